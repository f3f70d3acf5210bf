// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-live/baton/internal/session"
)

func newTestMemory(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore(MemoryOptions{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seedSession(t *testing.T, s Store, id string) *session.Session {
	t.Helper()
	created, err := s.CreateSession(context.Background(), session.New(id, 8, time.Now()))
	require.NoError(t, err)
	return created
}

func TestMemoryCreateDuplicate(t *testing.T) {
	m := newTestMemory(t)
	seedSession(t, m, "s1")

	_, err := m.CreateSession(context.Background(), session.New("s1", 8, time.Now()))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestMemoryGetMissing(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryUpdatePatchesFields(t *testing.T) {
	m := newTestMemory(t)
	created := seedSession(t, m, "s1")

	updated, err := m.UpdateSession(context.Background(), "s1", session.Patch{
		TempoBPM: session.IntPtr(180),
	})
	require.NoError(t, err)
	assert.Equal(t, 180, updated.TempoBPM)
	assert.False(t, updated.LastActiveAt.Before(created.LastActiveAt))

	// unset fields untouched
	assert.EqualValues(t, 0, updated.PositionMs)
}

func TestMemoryMembersLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	seedSession(t, m, "s1")

	_, err := m.AddMember(ctx, "s1", &session.Member{
		ConnectionID: "c1", DisplayName: "Ana", Role: session.RoleLeader, JoinedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = m.AddMember(ctx, "s1", &session.Member{
		ConnectionID: "c2", DisplayName: "Ben", Role: session.RoleFollower, JoinedAt: time.Now(),
	})
	require.NoError(t, err)

	n, err := m.MemberCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := m.GetMember(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.DisplayName)

	removed, err := m.RemoveMember(ctx, "s1", "c2")
	require.NoError(t, err)
	assert.Equal(t, "Ben", removed.DisplayName)

	_, err = m.GetMember(ctx, "s1", "c2")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestMemoryAddMemberToMissingSession(t *testing.T) {
	m := newTestMemory(t)
	_, err := m.AddMember(context.Background(), "ghost", &session.Member{ConnectionID: "c1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryConnectionIndex(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.SetSessionByConnection(ctx, "c1", "s1"))

	got, err := m.GetSessionByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got)

	require.NoError(t, m.DeleteSessionByConnection(ctx, "c1"))
	got, err = m.GetSessionByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryLeaderRequestsOrdered(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	seedSession(t, m, "s1")

	base := time.Now()
	require.NoError(t, m.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID: "s1", ConnectionID: "late", RequestedAt: base.Add(time.Second),
	}))
	require.NoError(t, m.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID: "s1", ConnectionID: "early", RequestedAt: base,
	}))

	reqs, err := m.ListLeaderRequests(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "early", reqs[0].ConnectionID)
	assert.Equal(t, "late", reqs[1].ConnectionID)

	ok, err := m.RemoveLeaderRequest(ctx, "s1", "early")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.RemoveLeaderRequest(ctx, "s1", "early")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryAtMostOnePendingRequestPerRequester(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	seedSession(t, m, "s1")

	base := time.Now()
	require.NoError(t, m.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID: "s1", ConnectionID: "c1", RequestedAt: base,
	}))
	require.NoError(t, m.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID: "s1", ConnectionID: "c1", RequestedAt: base.Add(time.Second),
	}))

	reqs, err := m.ListLeaderRequests(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestMemoryDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	seedSession(t, m, "s1")
	_, err := m.AddMember(ctx, "s1", &session.Member{ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, m.SetSessionByConnection(ctx, "c1", "s1"))

	ok, err := m.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := m.MemberCount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	sid, err := m.GetSessionByConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, sid)

	ok, err = m.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySweepExpired(t *testing.T) {
	m := NewMemoryStore(MemoryOptions{TTL: time.Minute, SweepInterval: time.Hour, Logger: zerolog.Nop()})
	defer func() { _ = m.Close() }()

	seedSession(t, m, "fresh")
	stale := seedSession(t, m, "stale")
	_ = stale

	// age the stale session past the TTL
	m.mu.Lock()
	m.sessions["stale"].LastActiveAt = time.Now().Add(-2 * time.Minute)
	m.mu.Unlock()

	removed := m.sweepExpired(time.Now())
	assert.Equal(t, 1, removed)

	_, err := m.GetSession(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.GetSession(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestMemoryDumpAll(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	seedSession(t, m, "s1")
	_, err := m.AddMember(ctx, "s1", &session.Member{ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, m.SetSessionByConnection(ctx, "c1", "s1"))
	require.NoError(t, m.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID: "s1", ConnectionID: "c1", RequestedAt: time.Now(),
	}))

	d := m.DumpAll()
	assert.Len(t, d.Sessions, 1)
	assert.Len(t, d.Members["s1"], 1)
	assert.Len(t, d.Requests["s1"], 1)
	assert.Equal(t, "s1", d.Connections["c1"])
}
