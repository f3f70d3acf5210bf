// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ensemble-live/baton/internal/session"
)

func TestManagerMemoryBackend(t *testing.T) {
	m := NewManager(context.Background(), ManagerOptions{
		Backend: "memory",
		TTL:     time.Minute,
		Logger:  zerolog.Nop(),
	})
	defer func() { _ = m.Close() }()

	assert.Equal(t, "memory", m.Name())
	assert.False(t, m.Degraded())

	seedSession(t, m, "s1")
	got, err := m.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestManagerRedisBackendMirrorsShadow(t *testing.T) {
	mr := miniredis.RunT(t)

	m := NewManager(context.Background(), ManagerOptions{
		Backend:   "redis",
		RedisAddr: mr.Addr(),
		TTL:       time.Minute,
		Logger:    zerolog.Nop(),
	})
	defer func() { _ = m.Close() }()

	require.Equal(t, "redis", m.Name())

	ctx := context.Background()
	seedSession(t, m, "s1")
	_, err := m.AddMember(ctx, "s1", &session.Member{ConnectionID: "c1", JoinedAt: time.Now()})
	require.NoError(t, err)

	// the shadow holds a mirror of every durable write
	shadowSession, err := m.shadow.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", shadowSession.ID)
	n, err := m.shadow.MemberCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerStartupFallback(t *testing.T) {
	m := NewManager(context.Background(), ManagerOptions{
		Backend:              "redis",
		RedisAddr:            "127.0.0.1:1", // nothing listens here
		TTL:                  time.Minute,
		ReconnectInterval:    10 * time.Millisecond,
		ReconnectMaxAttempts: 2,
		Logger:               zerolog.Nop(),
	})
	defer func() { _ = m.Close() }()

	assert.Equal(t, "memory", m.Name())
	assert.True(t, m.Degraded())

	// still serves
	seedSession(t, m, "s1")
	_, err := m.GetSession(context.Background(), "s1")
	assert.NoError(t, err)
}

func TestManagerLiveFallbackPreservesState(t *testing.T) {
	mr := miniredis.RunT(t)

	m := NewManager(context.Background(), ManagerOptions{
		Backend:              "redis",
		RedisAddr:            mr.Addr(),
		TTL:                  time.Minute,
		ReconnectInterval:    50 * time.Millisecond,
		ReconnectMaxAttempts: 1,
		Logger:               zerolog.Nop(),
	})
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	seedSession(t, m, "s1")
	_, err := m.AddMember(ctx, "s1", &session.Member{ConnectionID: "c1", JoinedAt: time.Now()})
	require.NoError(t, err)

	mr.Close()

	// next operation observes the loss and triggers fallback
	_, _ = m.GetSession(ctx, "s1")

	require.Eventually(t, func() bool { return m.Degraded() },
		2*time.Second, 10*time.Millisecond, "fallback did not engage")
	assert.Equal(t, "memory", m.Name())

	// the mirrored state survived the backend loss
	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	n, err := m.MemberCount(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManagerReconnectMigratesBack(t *testing.T) {
	mr := miniredis.RunT(t)

	changes := make(chan string, 4)
	m := NewManager(context.Background(), ManagerOptions{
		Backend:           "redis",
		RedisAddr:         mr.Addr(),
		TTL:               time.Minute,
		ReconnectInterval: 50 * time.Millisecond,
		Logger:            zerolog.Nop(),
		OnBackendChange: func(backend string, degraded bool) {
			changes <- backend
		},
	})
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	seedSession(t, m, "s1")

	mr.Close()
	_, _ = m.GetSession(ctx, "s1")

	select {
	case b := <-changes:
		assert.Equal(t, "memory", b)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback notification missing")
	}

	require.NoError(t, mr.Restart())

	select {
	case b := <-changes:
		assert.Equal(t, "redis", b)
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect notification missing")
	}

	assert.Equal(t, "redis", m.Name())
	assert.False(t, m.Degraded())

	// state migrated back into the durable backend
	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestManagerCloseStopsProbe(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager(context.Background(), ManagerOptions{
		Backend:           "redis",
		RedisAddr:         "127.0.0.1:1",
		TTL:               time.Minute,
		ReconnectInterval: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Close())
}
