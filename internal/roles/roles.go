// SPDX-License-Identifier: MIT

// Package roles implements leader election: immediate assignment, the
// request/approve/deny handoff flow, and automatic takeover when the leader
// disconnects.
//
// All methods assume the caller holds the session lock; they return outcome
// values describing what happened so the coordinator can notify members
// outside this package.
package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
)

var (
	// ErrNotLeader rejects a leadership decision from a non-leader.
	ErrNotLeader = errors.New("caller is not the session leader")
	// ErrNoPendingRequest rejects approval/denial of an absent request.
	ErrNoPendingRequest = errors.New("no pending leader request")
)

// Manager drives leadership state for all sessions.
type Manager struct {
	store  store.Store
	logger zerolog.Logger
}

// New builds a role manager on top of the session store.
func New(st store.Store) *Manager {
	return &Manager{store: st, logger: log.WithComponent("roles")}
}

// RequestOutcome describes the result of a leadership request.
type RequestOutcome struct {
	// Assigned is true when the session was leaderless and the requester
	// took over immediately.
	Assigned bool
	Session  *session.Session
	// Requester is the requesting member's record.
	Requester *session.Member
	// LeaderConnectionID is the sitting leader that must approve, when the
	// request was queued.
	LeaderConnectionID string
}

// RequestLeader either assigns leadership immediately (leaderless session)
// or records a pending request for the sitting leader to decide on.
func (m *Manager) RequestLeader(ctx context.Context, sessionID, requesterID string) (*RequestOutcome, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	requester, err := m.store.GetMember(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}

	if s.LeaderConnectionID == requesterID {
		// already the leader; nothing to do
		return &RequestOutcome{Assigned: true, Session: s, Requester: requester}, nil
	}

	if !s.HasLeader() {
		if err := m.assignLeader(ctx, sessionID, requesterID); err != nil {
			return nil, err
		}
		if _, err := m.store.RemoveLeaderRequest(ctx, sessionID, requesterID); err != nil {
			m.logger.Warn().Err(err).Msg("failed to clear request after assignment")
		}
		updated, err := m.store.UpdateSession(ctx, sessionID, session.Patch{
			LeaderConnectionID: session.StringPtr(requesterID),
		})
		if err != nil {
			return nil, err
		}
		requester.Role = session.RoleLeader
		m.logger.Info().
			Str(log.FieldSessionID, sessionID).
			Str(log.FieldLeaderID, requesterID).
			Msg("leader assigned to requester of leaderless session")
		return &RequestOutcome{Assigned: true, Session: updated, Requester: requester}, nil
	}

	if err := m.store.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID:    sessionID,
		ConnectionID: requesterID,
		RequestedAt:  time.Now(),
	}); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldRequesterID, requesterID).
		Str(log.FieldLeaderID, s.LeaderConnectionID).
		Msg("leader handoff requested")
	return &RequestOutcome{
		Session:            s,
		Requester:          requester,
		LeaderConnectionID: s.LeaderConnectionID,
	}, nil
}

// ApproveOutcome describes a completed leader handoff.
type ApproveOutcome struct {
	Session            *session.Session
	PreviousLeaderID   string
	NewLeaderID        string
	// Superseded lists other pending requesters whose requests were dropped
	// by this handoff; each is notified with reason "superseded".
	Superseded []string
	WasPlaying bool
}

// Approve transfers leadership to the requester. Atomic within the caller's
// critical section: playback pauses, roles flip, every pending request is
// cleared.
func (m *Manager) Approve(ctx context.Context, sessionID, callerID, requesterID string) (*ApproveOutcome, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.LeaderConnectionID != callerID {
		return nil, ErrNotLeader
	}

	ok, err := m.store.RemoveLeaderRequest(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPendingRequest
	}

	if _, err := m.store.GetMember(ctx, sessionID, requesterID); err != nil {
		return nil, err
	}

	// drop every other pending request; their owners get superseded notices
	remaining, err := m.store.ListLeaderRequests(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	superseded := make([]string, 0, len(remaining))
	for _, req := range remaining {
		if _, err := m.store.RemoveLeaderRequest(ctx, sessionID, req.ConnectionID); err != nil {
			return nil, err
		}
		superseded = append(superseded, req.ConnectionID)
	}

	if err := m.demoteLeader(ctx, sessionID, callerID); err != nil {
		return nil, err
	}
	if err := m.assignLeader(ctx, sessionID, requesterID); err != nil {
		return nil, err
	}

	updated, err := m.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying:          session.BoolPtr(false),
		LeaderConnectionID: session.StringPtr(requesterID),
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldOldState, callerID).
		Str(log.FieldNewState, requesterID).
		Msg("leadership transferred by approval")

	return &ApproveOutcome{
		Session:          updated,
		PreviousLeaderID: callerID,
		NewLeaderID:      requesterID,
		Superseded:       superseded,
		WasPlaying:       s.IsPlaying,
	}, nil
}

// Deny removes a single pending request. Only the sitting leader may deny.
func (m *Manager) Deny(ctx context.Context, sessionID, callerID, requesterID string) error {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.LeaderConnectionID != callerID {
		return ErrNotLeader
	}
	ok, err := m.store.RemoveLeaderRequest(ctx, sessionID, requesterID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingRequest
	}
	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldRequesterID, requesterID).
		Msg("leader request denied")
	return nil
}

// TakeoverOutcome describes an automatic leader change after a disconnect.
type TakeoverOutcome struct {
	Session *session.Session
	// NewLeaderID is empty when no members remain.
	NewLeaderID string
	// Canceled lists requesters whose pending requests died with the
	// leader change.
	Canceled   []string
	WasPlaying bool
}

// HandleLeaderDisconnect runs after the departed leader's member record has
// been removed. It pauses playback, clears pending requests and promotes
// the senior remaining member, if any.
func (m *Manager) HandleLeaderDisconnect(ctx context.Context, sessionID, disconnectedID string) (*TakeoverOutcome, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wasPlaying := s.IsPlaying

	pending, err := m.store.ListLeaderRequests(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	canceled := make([]string, 0, len(pending))
	for _, req := range pending {
		if _, err := m.store.RemoveLeaderRequest(ctx, sessionID, req.ConnectionID); err != nil {
			return nil, err
		}
		canceled = append(canceled, req.ConnectionID)
	}

	members, err := m.store.ListMembers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	senior := session.SeniorMember(members)

	newLeaderID := ""
	if senior != nil {
		newLeaderID = senior.ConnectionID
		if err := m.assignLeader(ctx, sessionID, newLeaderID); err != nil {
			return nil, err
		}
	}

	updated, err := m.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying:          session.BoolPtr(false),
		LeaderConnectionID: session.StringPtr(newLeaderID),
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldOldState, disconnectedID).
		Str(log.FieldNewState, newLeaderID).
		Bool(log.FieldPlaying, wasPlaying).
		Msg("leader takeover after disconnect")

	return &TakeoverOutcome{
		Session:     updated,
		NewLeaderID: newLeaderID,
		Canceled:    canceled,
		WasPlaying:  wasPlaying,
	}, nil
}

// Relinquish lets the sitting leader step down voluntarily (setRole with
// role "follower"). The session becomes leaderless and playback pauses.
func (m *Manager) Relinquish(ctx context.Context, sessionID, leaderID string) (*session.Session, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.LeaderConnectionID != leaderID {
		return nil, ErrNotLeader
	}
	if err := m.demoteLeader(ctx, sessionID, leaderID); err != nil {
		return nil, err
	}
	updated, err := m.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying:          session.BoolPtr(false),
		LeaderConnectionID: session.StringPtr(""),
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldLeaderID, leaderID).
		Msg("leader relinquished")
	return updated, nil
}

// assignLeader flips a member record to the leader role.
func (m *Manager) assignLeader(ctx context.Context, sessionID, connectionID string) error {
	member, err := m.store.GetMember(ctx, sessionID, connectionID)
	if err != nil {
		return fmt.Errorf("promote member: %w", err)
	}
	member.Role = session.RoleLeader
	if _, err := m.store.AddMember(ctx, sessionID, member); err != nil {
		return fmt.Errorf("promote member: %w", err)
	}
	return nil
}

// demoteLeader flips a member record back to follower. A vanished member is
// not an error: the record may already be gone on disconnect paths.
func (m *Manager) demoteLeader(ctx context.Context, sessionID, connectionID string) error {
	member, err := m.store.GetMember(ctx, sessionID, connectionID)
	if errors.Is(err, store.ErrMemberNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("demote member: %w", err)
	}
	member.Role = session.RoleFollower
	if _, err := m.store.AddMember(ctx, sessionID, member); err != nil {
		return fmt.Errorf("demote member: %w", err)
	}
	return nil
}
