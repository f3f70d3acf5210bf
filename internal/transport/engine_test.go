// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { _ = st.Close() })

	opts.Store = st
	if opts.Locks == nil {
		opts.Locks = session.NewLockTable()
	}
	e := NewEngine(opts)
	t.Cleanup(e.Close)

	_, err := st.CreateSession(context.Background(), session.New("jam-1", 8, time.Now()))
	require.NoError(t, err)
	return e, st
}

func TestPlayPauseKeepsPosition(t *testing.T) {
	e, st := newTestEngine(t, Options{TickPeriod: time.Hour})
	ctx := context.Background()

	_, err := st.UpdateSession(ctx, "jam-1", session.Patch{
		PositionMs: session.Int64Ptr(4500),
	})
	require.NoError(t, err)

	s, err := e.Play(ctx, "jam-1")
	require.NoError(t, err)
	assert.True(t, s.IsPlaying)
	assert.Equal(t, int64(4500), s.PositionMs)

	// play while playing is a no-op
	s, err = e.Play(ctx, "jam-1")
	require.NoError(t, err)
	assert.True(t, s.IsPlaying)

	s, err = e.Pause(ctx, "jam-1")
	require.NoError(t, err)
	assert.False(t, s.IsPlaying)
	assert.Equal(t, int64(4500), s.PositionMs)

	// pause while paused is a no-op
	s, err = e.Pause(ctx, "jam-1")
	require.NoError(t, err)
	assert.False(t, s.IsPlaying)
}

func TestStopRewindsToZero(t *testing.T) {
	e, st := newTestEngine(t, Options{TickPeriod: time.Hour})
	ctx := context.Background()

	_, err := st.UpdateSession(ctx, "jam-1", session.Patch{
		PositionMs: session.Int64Ptr(9000),
		IsPlaying:  session.BoolPtr(true),
	})
	require.NoError(t, err)

	s, err := e.Stop(ctx, "jam-1")
	require.NoError(t, err)
	assert.False(t, s.IsPlaying)
	assert.Zero(t, s.PositionMs)
}

func TestSeek(t *testing.T) {
	e, _ := newTestEngine(t, Options{TickPeriod: time.Hour})
	ctx := context.Background()

	s, err := e.Seek(ctx, "jam-1", 120_000)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), s.PositionMs)

	_, err = e.Seek(ctx, "jam-1", -1)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestSetTempoValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{TickPeriod: time.Hour})
	ctx := context.Background()

	s, err := e.SetTempo(ctx, "jam-1", 180)
	require.NoError(t, err)
	assert.Equal(t, 180, s.TempoBPM)

	for _, bpm := range []int{39, 301, 0, -10} {
		_, err := e.SetTempo(ctx, "jam-1", bpm)
		assert.ErrorIs(t, err, ErrInvalidTempo, "bpm %d", bpm)
	}

	// bounds are inclusive
	_, err = e.SetTempo(ctx, "jam-1", session.MinTempoBPM)
	require.NoError(t, err)
	_, err = e.SetTempo(ctx, "jam-1", session.MaxTempoBPM)
	require.NoError(t, err)
}

func TestSnapshotWireFormat(t *testing.T) {
	raw, err := json.Marshal(Snapshot{
		SessionID:    "jam-1",
		IsPlaying:    true,
		PositionMs:   1250,
		TempoBPM:     120,
		ServerTimeMs: 1700000000000,
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "serverTimestamp")
	assert.NotContains(t, fields, "serverTime")
	assert.EqualValues(t, 1700000000000, fields["serverTimestamp"])
}

func TestTickLoopAdvancesPositionAndFansOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	e, st := newTestEngine(t, Options{
		TickPeriod: 5 * time.Millisecond,
		OnTick: func(snap Snapshot) {
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	start := time.Now()
	_, err := e.Play(ctx, "jam-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 5
	}, time.Second, time.Millisecond)

	_, err = e.Pause(ctx, "jam-1")
	require.NoError(t, err)
	wall := time.Since(start).Milliseconds()

	s, err := st.GetSession(ctx, "jam-1")
	require.NoError(t, err)
	assert.False(t, s.IsPlaying)
	// position tracks wall clock, not tick count
	assert.Greater(t, s.PositionMs, int64(0))
	assert.LessOrEqual(t, s.PositionMs, wall+50)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].PositionMs, snaps[i-1].PositionMs)
		assert.NotZero(t, snaps[i].ServerTimeMs)
	}
}

func TestTickerStopsWhenSessionDeleted(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, st := newTestEngine(t, Options{TickPeriod: 2 * time.Millisecond})
	ctx := context.Background()

	_, err := e.Play(ctx, "jam-1")
	require.NoError(t, err)

	_, err = st.DeleteSession(ctx, "jam-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.tickers) == 0
	}, time.Second, time.Millisecond)
}

func TestEmitBeats(t *testing.T) {
	var beats []int
	e := NewEngine(Options{
		Locks: session.NewLockTable(),
		OnBeat: func(_ string, beat, _ int) {
			beats = append(beats, beat)
		},
	})
	defer e.Close()

	// 120 BPM: a beat every 500 ms, downbeat at position 0 excluded
	e.emitBeats("jam-1", 0, 2000, 120)
	assert.Equal(t, []int{2, 3, 4, 1}, beats)

	// no boundary crossed
	beats = nil
	e.emitBeats("jam-1", 2000, 2400, 120)
	assert.Empty(t, beats)

	// exact landing on a boundary fires once
	beats = nil
	e.emitBeats("jam-1", 2400, 2500, 120)
	assert.Equal(t, []int{2}, beats)
}
