// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
)

func newTestRegistry(t *testing.T, maxMembers int, grace time.Duration) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { _ = st.Close() })
	r := New(Options{
		Store:      st,
		Locks:      session.NewLockTable(),
		MaxMembers: maxMembers,
		EmptyGrace: grace,
	})
	return r, st
}

func TestJoinCreatesSessionAndAssignsLeader(t *testing.T) {
	r, st := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	res, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.BecameLeader)
	assert.Equal(t, 1, res.MemberCount)
	assert.Equal(t, session.RoleLeader, res.Member.Role)
	assert.Equal(t, "conn-a", res.Session.LeaderConnectionID)

	// reverse index is in place
	sid, err := st.GetSessionByConnection(ctx, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, "jam-1", sid)
}

func TestJoinSecondMemberStaysFollower(t *testing.T) {
	r, _ := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)

	res, err := r.Join(ctx, "jam-1", "conn-b", "Bob")
	require.NoError(t, err)

	assert.False(t, res.Created)
	assert.False(t, res.BecameLeader)
	assert.Equal(t, session.RoleFollower, res.Member.Role)
	assert.Equal(t, "conn-a", res.Session.LeaderConnectionID)
	assert.Equal(t, 2, res.MemberCount)
}

func TestJoinDefaultsDisplayName(t *testing.T) {
	r, _ := newTestRegistry(t, 8, 30*time.Second)

	res, err := r.Join(context.Background(), "jam-1", "conn-a", "")
	require.NoError(t, err)
	assert.Equal(t, "Musician", res.Member.DisplayName)
}

func TestJoinRejectsFullSession(t *testing.T) {
	r, _ := newTestRegistry(t, 2, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)
	_, err = r.Join(ctx, "jam-1", "conn-b", "Bob")
	require.NoError(t, err)

	_, err = r.Join(ctx, "jam-1", "conn-c", "Carol")
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestLeaveClearsIndexAndPendingRequest(t *testing.T) {
	r, st := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)
	_, err = r.Join(ctx, "jam-1", "conn-b", "Bob")
	require.NoError(t, err)

	require.NoError(t, st.AddLeaderRequest(ctx, &session.LeaderRequest{
		SessionID:    "jam-1",
		ConnectionID: "conn-b",
		RequestedAt:  time.Now(),
	}))

	res, err := r.Leave(ctx, "jam-1", "conn-b")
	require.NoError(t, err)
	assert.False(t, res.WasLeader)
	assert.Equal(t, 1, res.MemberCount)
	assert.Equal(t, "Bob", res.Member.DisplayName)

	sid, err := st.GetSessionByConnection(ctx, "conn-b")
	require.NoError(t, err)
	assert.Empty(t, sid)

	reqs, err := st.ListLeaderRequests(ctx, "jam-1")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestLeaveReportsLeaderDeparture(t *testing.T) {
	r, _ := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)
	_, err = r.Join(ctx, "jam-1", "conn-b", "Bob")
	require.NoError(t, err)

	res, err := r.Leave(ctx, "jam-1", "conn-a")
	require.NoError(t, err)
	assert.True(t, res.WasLeader)
	assert.Equal(t, 1, res.MemberCount)
}

func TestLeaveUnknownMember(t *testing.T) {
	r, _ := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)

	_, err = r.Leave(ctx, "jam-1", "conn-zz")
	assert.ErrorIs(t, err, store.ErrMemberNotFound)
}

func TestSweepOnceDeletesEmptySessionsAfterGrace(t *testing.T) {
	r, st := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)
	_, err = r.Leave(ctx, "jam-1", "conn-a")
	require.NoError(t, err)

	// within grace: survives
	deleted := r.SweepOnce(ctx, time.Now().Add(10*time.Second))
	assert.Zero(t, deleted)
	_, err = st.GetSession(ctx, "jam-1")
	require.NoError(t, err)

	// past grace: gone
	deleted = r.SweepOnce(ctx, time.Now().Add(time.Minute))
	assert.Equal(t, 1, deleted)
	_, err = st.GetSession(ctx, "jam-1")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestSweepOnceKeepsPopulatedSessions(t *testing.T) {
	r, st := newTestRegistry(t, 8, 30*time.Second)
	ctx := context.Background()

	_, err := r.Join(ctx, "jam-1", "conn-a", "Alice")
	require.NoError(t, err)

	deleted := r.SweepOnce(ctx, time.Now().Add(time.Hour))
	assert.Zero(t, deleted)
	_, err = st.GetSession(ctx, "jam-1")
	require.NoError(t, err)
}
