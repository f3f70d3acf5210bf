// SPDX-License-Identifier: MIT

// Package clocksync estimates per-connection latency and clock offset from
// probe exchanges, and detects playback drift between the client's reported
// position and the authoritative timeline.
package clocksync

import (
	"sort"
	"sync"
	"time"
)

// sampleCap bounds the per-connection ring buffers. Old probes age out so
// the estimate follows changing network conditions.
const sampleCap = 16

// Tracker accumulates probe statistics for one connection. All methods are
// safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	rtts    []int64 // round-trip samples, ms, ring
	rttIdx  int
	offsets []int64 // per-probe clock offsets, ms, ring
	offIdx  int

	lastProbeAt time.Time
}

func newTracker() *Tracker {
	return &Tracker{
		rtts:    make([]int64, 0, sampleCap),
		offsets: make([]int64, 0, sampleCap),
	}
}

// RecordRTT adds a round-trip sample, typically from the heartbeat
// ping/pong cycle.
func (t *Tracker) RecordRTT(rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtts, t.rttIdx = push(t.rtts, t.rttIdx, rtt.Milliseconds())
}

// RecordOffset adds a clock-offset sample from one probe: the difference
// between the server receive time and the client send timestamp. The
// one-way transit baked into each sample washes out in the median across
// probes with the minimum-RTT samples dominating.
func (t *Tracker) RecordOffset(clientTimestampMs int64, serverNow time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offsets, t.offIdx = push(t.offsets, t.offIdx, serverNow.UnixMilli()-clientTimestampMs)
	t.lastProbeAt = serverNow
}

func push(ring []int64, idx int, v int64) ([]int64, int) {
	if len(ring) < sampleCap {
		return append(ring, v), 0
	}
	ring[idx] = v
	return ring, (idx + 1) % sampleCap
}

// MeanRTT returns the rolling mean round trip, or 0 with ok=false when no
// samples exist yet.
func (t *Tracker) MeanRTT() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rtts) == 0 {
		return 0, false
	}
	var sum int64
	for _, v := range t.rtts {
		sum += v
	}
	return time.Duration(sum/int64(len(t.rtts))) * time.Millisecond, true
}

// MinRTT returns the rolling minimum round trip, the closest estimate of
// the true path latency.
func (t *Tracker) MinRTT() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rtts) == 0 {
		return 0, false
	}
	min := t.rtts[0]
	for _, v := range t.rtts[1:] {
		if v < min {
			min = v
		}
	}
	return time.Duration(min) * time.Millisecond, true
}

// Offset returns the estimated client clock offset in milliseconds
// (server clock minus client clock), the median over recorded probes.
func (t *Tracker) Offset() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.offsets) == 0 {
		return 0, false
	}
	sorted := make([]int64, len(t.offsets))
	copy(sorted, t.offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// LastProbeAt reports when the last offset probe arrived.
func (t *Tracker) LastProbeAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastProbeAt
}
