// SPDX-License-Identifier: MIT

// Package session defines the coordination domain model: sessions, members,
// leader requests and the per-session locking discipline.
package session

import (
	"time"
)

// Role is a member's role within a session.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Valid reports whether r is a recognised role.
func (r Role) Valid() bool {
	return r == RoleLeader || r == RoleFollower
}

// Tempo bounds in beats per minute.
const (
	MinTempoBPM = 40
	MaxTempoBPM = 300
	// DefaultTempoBPM is the tempo a freshly created session starts with.
	DefaultTempoBPM = 120
)

// MaxMessageLen bounds the free-text status line.
const MaxMessageLen = 500

// Settings holds per-session tunables.
type Settings struct {
	MaxMembers int `json:"maxMembers"`
}

// Session is the authoritative state of one coordination group.
// LeaderConnectionID is empty when the session has no leader.
type Session struct {
	ID                 string    `json:"sessionId"`
	Message            string    `json:"message"`
	TempoBPM           int       `json:"tempoBpm"`
	PositionMs         int64     `json:"positionMs"`
	IsPlaying          bool      `json:"isPlaying"`
	LeaderConnectionID string    `json:"leaderConnectionId,omitempty"`
	Settings           Settings  `json:"settings"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActiveAt       time.Time `json:"lastActiveAt"`
}

// New returns a session with the default transport state.
func New(id string, maxMembers int, now time.Time) *Session {
	return &Session{
		ID:           id,
		TempoBPM:     DefaultTempoBPM,
		PositionMs:   0,
		IsPlaying:    false,
		Settings:     Settings{MaxMembers: maxMembers},
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Clone returns a deep copy, safe to hand outside the owning critical section.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// HasLeader reports whether the session currently has a leader.
func (s *Session) HasLeader() bool {
	return s.LeaderConnectionID != ""
}

// Member is one live connection that has joined a session.
type Member struct {
	ConnectionID      string    `json:"connectionId"`
	DisplayName       string    `json:"displayName"`
	Role              Role      `json:"role"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastPingAt        time.Time `json:"lastPingAt"`
	MeasuredLatencyMs int64     `json:"measuredLatencyMs"`
}

// Clone returns a copy of the member.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// LeaderRequest is a pending request to take over leadership.
type LeaderRequest struct {
	SessionID    string    `json:"sessionId"`
	ConnectionID string    `json:"connectionId"`
	RequestedAt  time.Time `json:"requestedAt"`
}

// Patch is a field-level update to a session; nil fields are left untouched.
// Applying any patch refreshes LastActiveAt.
type Patch struct {
	Message            *string
	TempoBPM           *int
	PositionMs         *int64
	IsPlaying          *bool
	LeaderConnectionID *string // empty string clears the leader
}

// Apply copies the set fields of p onto s and touches LastActiveAt.
func (p Patch) Apply(s *Session, now time.Time) {
	if p.Message != nil {
		s.Message = *p.Message
	}
	if p.TempoBPM != nil {
		s.TempoBPM = *p.TempoBPM
	}
	if p.PositionMs != nil {
		s.PositionMs = *p.PositionMs
	}
	if p.IsPlaying != nil {
		s.IsPlaying = *p.IsPlaying
	}
	if p.LeaderConnectionID != nil {
		s.LeaderConnectionID = *p.LeaderConnectionID
	}
	s.LastActiveAt = now
}

// Snapshot is the complete view of a session sent to clients.
type Snapshot struct {
	Session         *Session  `json:"session"`
	Members         []*Member `json:"members"`
	ServerTimestamp int64     `json:"serverTimestamp"`
}

// SeniorMember returns the member with the earliest JoinedAt, ties broken by
// lexicographic ConnectionID. Returns nil for an empty slice.
func SeniorMember(members []*Member) *Member {
	var senior *Member
	for _, m := range members {
		if senior == nil {
			senior = m
			continue
		}
		if m.JoinedAt.Before(senior.JoinedAt) ||
			(m.JoinedAt.Equal(senior.JoinedAt) && m.ConnectionID < senior.ConnectionID) {
			senior = m
		}
	}
	return senior
}

// Ptr helpers for building patches.

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }
