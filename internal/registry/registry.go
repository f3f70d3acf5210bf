// SPDX-License-Identifier: MIT

// Package registry manages session and membership lifecycle: lazy creation
// on first join, capacity enforcement, activity tracking and idle cleanup.
package registry

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

// ErrSessionFull rejects a join that would exceed the membership cap.
var ErrSessionFull = errors.New("session full")

// Registry performs CRUD on sessions and members. Callers serialize
// session-scoped calls through the shared lock table; the sweeper takes the
// same locks itself.
type Registry struct {
	store  store.Store
	locks  *session.LockTable
	logger zerolog.Logger

	maxMembers int
	emptyGrace time.Duration
}

// Options parameterises the registry.
type Options struct {
	Store store.Store
	Locks *session.LockTable
	// MaxMembers is the default per-session membership cap.
	MaxMembers int
	// EmptyGrace is how long an emptied session survives before the sweep
	// may delete it, allowing a quick re-join after the last disconnect.
	EmptyGrace time.Duration
}

// New builds a registry.
func New(opts Options) *Registry {
	return &Registry{
		store:      opts.Store,
		locks:      opts.Locks,
		logger:     log.WithComponent("registry"),
		maxMembers: opts.MaxMembers,
		emptyGrace: opts.EmptyGrace,
	}
}

// JoinResult describes a completed join.
type JoinResult struct {
	Session     *session.Session
	Member      *session.Member
	MemberCount int
	// Created is true when this join created the session.
	Created bool
	// BecameLeader is true when the joiner was assigned leadership.
	BecameLeader bool
}

// Join adds a connection to a session, creating the session on first join.
// The first member of a leaderless session becomes its leader; a later
// joiner stays a follower regardless of the requested role (leadership is
// then obtained through the request/approve flow).
//
// The caller must hold the session lock.
func (r *Registry) Join(ctx context.Context, sessionID, connectionID, displayName string) (*JoinResult, error) {
	now := time.Now()
	created := false

	s, err := r.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		s, err = r.store.CreateSession(ctx, session.New(sessionID, r.maxMembers, now))
		if errors.Is(err, store.ErrSessionExists) {
			// lost a create race with another instance; re-read
			s, err = r.store.GetSession(ctx, sessionID)
		}
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		created = true
	case err != nil:
		return nil, fmt.Errorf("get session: %w", err)
	}

	count, err := r.store.MemberCount(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("member count: %w", err)
	}
	if count >= s.Settings.MaxMembers {
		return nil, ErrSessionFull
	}

	role := session.RoleFollower
	becameLeader := false
	if !s.HasLeader() && count == 0 {
		role = session.RoleLeader
		becameLeader = true
	}

	if displayName == "" {
		displayName = "Musician"
	}
	member := &session.Member{
		ConnectionID: connectionID,
		DisplayName:  displayName,
		Role:         role,
		JoinedAt:     now,
		LastPingAt:   now,
	}
	if _, err := r.store.AddMember(ctx, sessionID, member); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	if err := r.store.SetSessionByConnection(ctx, connectionID, sessionID); err != nil {
		return nil, fmt.Errorf("set connection index: %w", err)
	}

	patch := session.Patch{}
	if becameLeader {
		patch.LeaderConnectionID = session.StringPtr(connectionID)
	}
	s, err = r.store.UpdateSession(ctx, sessionID, patch)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	r.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldConnectionID, connectionID).
		Bool("created", created).
		Bool("leader", becameLeader).
		Int("members", count+1).
		Msg("member joined")

	return &JoinResult{
		Session:      s,
		Member:       member,
		MemberCount:  count + 1,
		Created:      created,
		BecameLeader: becameLeader,
	}, nil
}

// LeaveResult describes a completed leave.
type LeaveResult struct {
	Member      *session.Member
	MemberCount int
	WasLeader   bool
}

// Leave removes a connection from its session and clears the reverse index.
// Leader takeover is the RoleManager's business; the caller inspects
// WasLeader and runs it inside the same critical section.
//
// The caller must hold the session lock.
func (r *Registry) Leave(ctx context.Context, sessionID, connectionID string) (*LeaveResult, error) {
	member, err := r.store.RemoveMember(ctx, sessionID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteSessionByConnection(ctx, connectionID); err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldConnectionID, connectionID).
			Msg("failed to clear connection index")
	}
	// a departing requester abandons any pending leadership request
	if _, err := r.store.RemoveLeaderRequest(ctx, sessionID, connectionID); err != nil {
		r.logger.Warn().Err(err).
			Str(log.FieldConnectionID, connectionID).
			Msg("failed to clear pending leader request")
	}

	count, err := r.store.MemberCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s, err := r.store.GetSession(ctx, sessionID)
	wasLeader := err == nil && s.LeaderConnectionID == connectionID

	// touch so the empty grace period starts now
	if _, err := r.store.UpdateSession(ctx, sessionID, session.Patch{}); err != nil &&
		!errors.Is(err, store.ErrSessionNotFound) {
		r.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to touch session")
	}

	r.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldConnectionID, connectionID).
		Int("members", count).
		Msg("member left")

	return &LeaveResult{Member: member, MemberCount: count, WasLeader: wasLeader}, nil
}

// SessionForConnection resolves the reverse index on disconnect.
func (r *Registry) SessionForConnection(ctx context.Context, connectionID string) (string, error) {
	return r.store.GetSessionByConnection(ctx, connectionID)
}

// Touch refreshes LastActiveAt without changing any other field.
func (r *Registry) Touch(ctx context.Context, sessionID string) {
	if _, err := r.store.UpdateSession(ctx, sessionID, session.Patch{}); err != nil &&
		!errors.Is(err, store.ErrSessionNotFound) {
		r.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to touch session")
	}
}

// RunSweeper periodically deletes sessions that are idle beyond the TTL and
// have no members. Blocks until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("idle sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce performs one sweep pass. Deterministic, for tests.
func (r *Registry) SweepOnce(ctx context.Context, now time.Time) int {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("sweep: list sessions failed")
		return 0
	}

	deleted := 0
	for _, s := range sessions {
		idle := now.Sub(s.LastActiveAt)
		// a just-emptied session survives the grace period so a quick
		// re-join finds its transport state intact
		if idle < r.emptyGrace {
			continue
		}

		unlock := r.locks.Lock(s.ID)
		count, err := r.store.MemberCount(ctx, s.ID)
		if err != nil {
			unlock()
			continue
		}
		// populated sessions stay regardless of age; the store TTL is the
		// backstop for abandoned ones
		if count == 0 {
			if ok, err := r.store.DeleteSession(ctx, s.ID); err == nil && ok {
				deleted++
				r.logger.Info().
					Str(log.FieldSessionID, s.ID).
					Dur("idle", idle).
					Msg("idle session deleted")
			}
			r.locks.Forget(s.ID)
		}
		unlock()
	}
	return deleted
}
