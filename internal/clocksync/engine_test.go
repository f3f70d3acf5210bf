// SPDX-License-Identifier: MIT

package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-live/baton/internal/session"
)

func TestTrackerRollingStats(t *testing.T) {
	tr := newTracker()

	_, ok := tr.MeanRTT()
	assert.False(t, ok)
	_, ok = tr.Offset()
	assert.False(t, ok)

	for _, ms := range []int64{20, 10, 30} {
		tr.RecordRTT(time.Duration(ms) * time.Millisecond)
	}
	mean, ok := tr.MeanRTT()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, mean)
	min, ok := tr.MinRTT()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, min)
}

func TestTrackerRingEviction(t *testing.T) {
	tr := newTracker()
	// fill with 100 ms, then push sampleCap samples of 10 ms: the old
	// samples must be fully evicted
	for i := 0; i < sampleCap; i++ {
		tr.RecordRTT(100 * time.Millisecond)
	}
	for i := 0; i < sampleCap; i++ {
		tr.RecordRTT(10 * time.Millisecond)
	}
	mean, ok := tr.MeanRTT()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, mean)
}

func TestTrackerOffsetMedian(t *testing.T) {
	tr := newTracker()
	base := time.UnixMilli(1_000_000)

	// samples: server-client deltas of 50, 40, 200 (one outlier)
	tr.RecordOffset(base.UnixMilli()-50, base)
	tr.RecordOffset(base.UnixMilli()-40, base)
	tr.RecordOffset(base.UnixMilli()-200, base)

	offset, ok := tr.Offset()
	require.True(t, ok)
	assert.Equal(t, int64(50), offset)
	assert.Equal(t, base, tr.LastProbeAt())
}

func TestHandleProbeAndNeedsProbe(t *testing.T) {
	e := New(Options{ProbeInterval: 30 * time.Second})
	now := time.UnixMilli(5_000_000)

	assert.True(t, e.NeedsProbe("conn-a", now))

	serverTS := e.HandleProbe("conn-a", now.UnixMilli()-25, now)
	assert.Equal(t, now.UnixMilli(), serverTS)

	assert.False(t, e.NeedsProbe("conn-a", now.Add(10*time.Second)))
	assert.True(t, e.NeedsProbe("conn-a", now.Add(31*time.Second)))
}

func TestCheckDriftWhilePaused(t *testing.T) {
	e := New(Options{DriftThreshold: 25 * time.Millisecond})
	now := time.UnixMilli(9_000_000)
	s := &session.Session{ID: "jam-1", PositionMs: 10_000, IsPlaying: false}

	// within threshold: no correction
	_, ok := e.CheckDrift("conn-a", s, 10_020, now.UnixMilli(), now)
	assert.False(t, ok)

	// beyond threshold
	corr, ok := e.CheckDrift("conn-a", s, 10_060, now.UnixMilli(), now)
	require.True(t, ok)
	assert.Equal(t, int64(10_000), corr.CorrectPositionMs)
	assert.Equal(t, int64(10_060), corr.ReportedPositionMs)
	assert.Equal(t, int64(60), corr.DriftMs)
	assert.Equal(t, now.UnixMilli(), corr.ServerTimeMs)
}

func TestCheckDriftCompensatesTransitWhilePlaying(t *testing.T) {
	e := New(Options{DriftThreshold: 25 * time.Millisecond})
	now := time.UnixMilli(9_000_000)
	s := &session.Session{ID: "jam-1", PositionMs: 10_000, IsPlaying: true}

	// client clock matches server clock exactly (offset 0 via probes)
	tr := e.Register("conn-a")
	tr.RecordOffset(now.UnixMilli(), now)

	// the client sampled position 9_960 forty ms ago; aged forward it sits
	// exactly on the authoritative position
	_, ok := e.CheckDrift("conn-a", s, 9_960, now.UnixMilli()-40, now)
	assert.False(t, ok)

	// same staleness but a genuinely lagging position
	corr, ok := e.CheckDrift("conn-a", s, 9_900, now.UnixMilli()-40, now)
	require.True(t, ok)
	assert.Equal(t, int64(-60), corr.DriftMs)
}

func TestOrderByLatency(t *testing.T) {
	e := New(Options{})

	e.Register("slow").RecordRTT(80 * time.Millisecond)
	e.Register("fast").RecordRTT(5 * time.Millisecond)
	e.Register("mid").RecordRTT(30 * time.Millisecond)
	// "unknown" has no tracker at all

	got := e.OrderByLatency([]string{"unknown", "slow", "fast", "mid"})
	assert.Equal(t, []string{"fast", "mid", "slow", "unknown"}, got)
}

func TestForget(t *testing.T) {
	e := New(Options{})
	e.Register("conn-a").RecordRTT(10 * time.Millisecond)

	e.Forget("conn-a")
	_, ok := e.Tracker("conn-a")
	assert.False(t, ok)
	assert.Zero(t, e.MeasuredLatencyMs("conn-a"))
}
