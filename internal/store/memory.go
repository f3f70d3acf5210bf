// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/session"
)

// MemoryStore is the in-process implementation of Store. It keeps all state
// in local maps and runs a janitor that drops sessions idle beyond the TTL.
// Pub/sub is a no-op: there is no other process to reach.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	members  map[string]map[string]*session.Member        // sessionID -> connectionID -> member
	requests map[string]map[string]*session.LeaderRequest // sessionID -> connectionID -> request
	byConn   map[string]string                            // connectionID -> sessionID

	ttl    time.Duration
	logger zerolog.Logger

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// MemoryOptions parameterises a MemoryStore.
type MemoryOptions struct {
	// TTL after which idle sessions are swept. Zero disables the janitor.
	TTL time.Duration
	// SweepInterval between janitor passes. Defaults to one minute.
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// NewMemoryStore returns a ready in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	m := &MemoryStore{
		sessions:    make(map[string]*session.Session),
		members:     make(map[string]map[string]*session.Member),
		requests:    make(map[string]map[string]*session.LeaderRequest),
		byConn:      make(map[string]string),
		ttl:         opts.TTL,
		logger:      opts.Logger,
		janitorStop: make(chan struct{}),
	}
	if opts.TTL > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		go m.janitor(interval)
	}
	return m
}

func (m *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.janitorStop:
			return
		case <-ticker.C:
			m.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes sessions whose LastActiveAt is older than the TTL.
// Exposed for deterministic tests.
func (m *MemoryStore) sweepExpired(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastActiveAt) > m.ttl {
			m.dropSessionLocked(id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug().Int("removed", removed).Msg("memory store swept expired sessions")
	}
	return removed
}

// dropSessionLocked removes a session and all its dependent records.
func (m *MemoryStore) dropSessionLocked(sessionID string) {
	delete(m.sessions, sessionID)
	for connID := range m.members[sessionID] {
		delete(m.byConn, connID)
	}
	delete(m.members, sessionID)
	delete(m.requests, sessionID)
}

// CreateSession stores a new session, rejecting duplicates.
func (m *MemoryStore) CreateSession(_ context.Context, s *session.Session) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return nil, ErrSessionExists
	}
	m.sessions[s.ID] = s.Clone()
	return s.Clone(), nil
}

// GetSession returns a copy of the session or ErrSessionNotFound.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// UpdateSession applies a field-level patch and touches LastActiveAt.
func (m *MemoryStore) UpdateSession(_ context.Context, sessionID string, patch session.Patch) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	patch.Apply(s, time.Now())
	return s.Clone(), nil
}

// DeleteSession removes a session and its dependent records.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	m.dropSessionLocked(sessionID)
	return true, nil
}

// ListSessions returns copies of all sessions.
func (m *MemoryStore) ListSessions(_ context.Context) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

// AddMember stores a member and the reverse connection index entry.
func (m *MemoryStore) AddMember(_ context.Context, sessionID string, mem *session.Member) (*session.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.members[sessionID] == nil {
		m.members[sessionID] = make(map[string]*session.Member)
	}
	m.members[sessionID][mem.ConnectionID] = mem.Clone()
	s.LastActiveAt = time.Now()
	return mem.Clone(), nil
}

// RemoveMember deletes a member, returning the removed record.
func (m *MemoryStore) RemoveMember(_ context.Context, sessionID, connectionID string) (*session.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[sessionID][connectionID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	delete(m.members[sessionID], connectionID)
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActiveAt = time.Now()
	}
	return mem.Clone(), nil
}

// GetMember returns a copy of the member or ErrMemberNotFound.
func (m *MemoryStore) GetMember(_ context.Context, sessionID, connectionID string) (*session.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[sessionID][connectionID]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return mem.Clone(), nil
}

// ListMembers returns copies of the session's members.
func (m *MemoryStore) ListMembers(_ context.Context, sessionID string) ([]*session.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Member, 0, len(m.members[sessionID]))
	for _, mem := range m.members[sessionID] {
		out = append(out, mem.Clone())
	}
	return out, nil
}

// MemberCount returns the number of members in the session.
func (m *MemoryStore) MemberCount(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[sessionID]), nil
}

// SetSessionByConnection records the reverse index for disconnect cleanup.
func (m *MemoryStore) SetSessionByConnection(_ context.Context, connectionID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[connectionID] = sessionID
	return nil
}

// GetSessionByConnection resolves a connection to its session, or "".
func (m *MemoryStore) GetSessionByConnection(_ context.Context, connectionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[connectionID], nil
}

// DeleteSessionByConnection drops the reverse index entry.
func (m *MemoryStore) DeleteSessionByConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byConn, connectionID)
	return nil
}

// AddLeaderRequest records a pending request, replacing any previous one by
// the same requester.
func (m *MemoryStore) AddLeaderRequest(_ context.Context, req *session.LeaderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[req.SessionID]; !ok {
		return ErrSessionNotFound
	}
	if m.requests[req.SessionID] == nil {
		m.requests[req.SessionID] = make(map[string]*session.LeaderRequest)
	}
	cp := *req
	m.requests[req.SessionID][req.ConnectionID] = &cp
	return nil
}

// RemoveLeaderRequest deletes a pending request if present.
func (m *MemoryStore) RemoveLeaderRequest(_ context.Context, sessionID, connectionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[sessionID][connectionID]; !ok {
		return false, nil
	}
	delete(m.requests[sessionID], connectionID)
	return true, nil
}

// ListLeaderRequests returns pending requests ordered by RequestedAt.
func (m *MemoryStore) ListLeaderRequests(_ context.Context, sessionID string) ([]*session.LeaderRequest, error) {
	m.mu.RLock()
	out := make([]*session.LeaderRequest, 0, len(m.requests[sessionID]))
	for _, r := range m.requests[sessionID] {
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

// PublishToSession is a no-op: single-process semantics.
func (m *MemoryStore) PublishToSession(context.Context, string, string, []byte) error {
	return nil
}

// SubscribeToSession is a no-op returning an inert cancel function.
func (m *MemoryStore) SubscribeToSession(context.Context, string, EventHandler) (func(), error) {
	return func() {}, nil
}

// HealthCheck always succeeds for the in-memory backend.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Name identifies the backend in health and telemetry output.
func (m *MemoryStore) Name() string { return "memory" }

// Close stops the janitor.
func (m *MemoryStore) Close() error {
	m.janitorOnce.Do(func() { close(m.janitorStop) })
	return nil
}

// Dump is a deep copy of the full store contents, used by the manager when
// migrating state between backends.
type Dump struct {
	Sessions    []*session.Session
	Members     map[string][]*session.Member
	Requests    map[string][]*session.LeaderRequest
	Connections map[string]string
}

// DumpAll snapshots the complete store state.
func (m *MemoryStore) DumpAll() Dump {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := Dump{
		Members:     make(map[string][]*session.Member, len(m.members)),
		Requests:    make(map[string][]*session.LeaderRequest, len(m.requests)),
		Connections: make(map[string]string, len(m.byConn)),
	}
	for _, s := range m.sessions {
		d.Sessions = append(d.Sessions, s.Clone())
	}
	for id, members := range m.members {
		for _, mem := range members {
			d.Members[id] = append(d.Members[id], mem.Clone())
		}
	}
	for id, reqs := range m.requests {
		for _, req := range reqs {
			cp := *req
			d.Requests[id] = append(d.Requests[id], &cp)
		}
	}
	for conn, sess := range m.byConn {
		d.Connections[conn] = sess
	}
	return d
}

// Reset drops all state. Used when the manager re-seeds the fallback copy.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*session.Session)
	m.members = make(map[string]map[string]*session.Member)
	m.requests = make(map[string]map[string]*session.LeaderRequest)
	m.byConn = make(map[string]string)
}
