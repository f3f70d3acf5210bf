// SPDX-License-Identifier: MIT

package clocksync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/session"
)

// Engine owns one latency tracker per live connection.
type Engine struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker

	probeCount     int
	probeInterval  time.Duration
	driftThreshold time.Duration
	logger         zerolog.Logger
}

// Options parameterises the engine.
type Options struct {
	// ProbeCount is how many probes make up the initial sync exchange.
	ProbeCount int
	// ProbeInterval is how often the exchange is repeated afterwards.
	ProbeInterval time.Duration
	// DriftThreshold is the reported-vs-authoritative position divergence
	// above which a correction is issued.
	DriftThreshold time.Duration
}

// New builds a sync engine.
func New(opts Options) *Engine {
	if opts.ProbeCount <= 0 {
		opts.ProbeCount = 5
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 25 * time.Millisecond
	}
	return &Engine{
		trackers:       make(map[string]*Tracker),
		probeCount:     opts.ProbeCount,
		probeInterval:  opts.ProbeInterval,
		driftThreshold: opts.DriftThreshold,
		logger:         log.WithComponent("clocksync"),
	}
}

// ProbeCount is how many probes a client should send per exchange.
func (e *Engine) ProbeCount() int { return e.probeCount }

// Register creates (or returns) the tracker for a connection.
func (e *Engine) Register(connectionID string) *Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trackers[connectionID]; ok {
		return t
	}
	t := newTracker()
	e.trackers[connectionID] = t
	return t
}

// Forget drops a connection's tracker on disconnect.
func (e *Engine) Forget(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.trackers, connectionID)
}

// Tracker returns the tracker for a connection, if registered.
func (e *Engine) Tracker(connectionID string) (*Tracker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trackers[connectionID]
	return t, ok
}

// HandleProbe ingests one latencyProbe and returns the server timestamp for
// the latencyResponse.
func (e *Engine) HandleProbe(connectionID string, clientTimestampMs int64, now time.Time) int64 {
	e.Register(connectionID).RecordOffset(clientTimestampMs, now)
	return now.UnixMilli()
}

// NeedsProbe reports whether a connection's offset estimate has gone stale
// and the client should be asked for a fresh exchange.
func (e *Engine) NeedsProbe(connectionID string, now time.Time) bool {
	t, ok := e.Tracker(connectionID)
	if !ok {
		return true
	}
	last := t.LastProbeAt()
	return last.IsZero() || now.Sub(last) >= e.probeInterval
}

// MeasuredLatencyMs returns the connection's mean round trip in ms, 0 when
// unknown. Stored on the member record for roomStats consumers.
func (e *Engine) MeasuredLatencyMs(connectionID string) int64 {
	t, ok := e.Tracker(connectionID)
	if !ok {
		return 0
	}
	mean, ok := t.MeanRTT()
	if !ok {
		return 0
	}
	return mean.Milliseconds()
}

// Correction is a per-connection authoritative position fix.
type Correction struct {
	SessionID          string `json:"sessionId"`
	CorrectPositionMs  int64  `json:"correctPositionMs"`
	ReportedPositionMs int64  `json:"reportedPositionMs"`
	DriftMs            int64  `json:"driftMs"`
	ServerTimeMs       int64  `json:"serverTimestamp"`
}

// CheckDrift compares a client's reported position against the
// authoritative session timeline. While playing, the report is aged forward
// by the transit time (estimated from the client clock offset) before
// comparison. A correction is returned when the divergence exceeds the
// threshold; correction is advisory, the client keeps interpolating.
func (e *Engine) CheckDrift(connectionID string, s *session.Session, reportedPositionMs, clientTimestampMs int64, now time.Time) (*Correction, bool) {
	adjusted := reportedPositionMs
	if s.IsPlaying {
		if t, ok := e.Tracker(connectionID); ok {
			if offset, ok := t.Offset(); ok {
				// transit: how long ago, on the server clock, the client
				// sampled its position
				transit := now.UnixMilli() - (clientTimestampMs + offset)
				if transit > 0 {
					adjusted += transit
				}
			}
		}
	}

	drift := adjusted - s.PositionMs
	if abs(drift) <= e.driftThreshold.Milliseconds() {
		return nil, false
	}

	e.logger.Debug().
		Str(log.FieldConnectionID, connectionID).
		Str(log.FieldSessionID, s.ID).
		Int64("drift_ms", drift).
		Msg("position drift detected")

	return &Correction{
		SessionID:          s.ID,
		CorrectPositionMs:  s.PositionMs,
		ReportedPositionMs: reportedPositionMs,
		DriftMs:            drift,
		ServerTimeMs:       now.UnixMilli(),
	}, true
}

// OrderByLatency returns the connection IDs sorted ascending by mean round
// trip, untracked connections last. The sort is stable so equal peers keep
// their incoming order.
func (e *Engine) OrderByLatency(connectionIDs []string) []string {
	type ranked struct {
		id  string
		rtt time.Duration
		ok  bool
	}
	rankedIDs := make([]ranked, len(connectionIDs))
	for i, id := range connectionIDs {
		r := ranked{id: id}
		if t, ok := e.Tracker(id); ok {
			r.rtt, r.ok = t.MeanRTT()
		}
		rankedIDs[i] = r
	}
	sort.SliceStable(rankedIDs, func(i, j int) bool {
		a, b := rankedIDs[i], rankedIDs[j]
		if a.ok != b.ok {
			return a.ok
		}
		return a.rtt < b.rtt
	})
	out := make([]string, len(rankedIDs))
	for i, r := range rankedIDs {
		out[i] = r.id
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
