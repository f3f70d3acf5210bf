// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
)

// Stats is the instantaneous view the coordinator provides to each report.
type Stats struct {
	Sessions int
	Members  int
	Backend  string
	Degraded bool
}

// Report is one aggregate telemetry snapshot.
type Report struct {
	Stats
	Events        int
	MeanLatency   time.Duration
	P95Latency    time.Duration
	VolatileDrops int
	RateLimited   int
}

// Bus aggregates per-event samples and logs a report on a fixed schedule.
// Counters reset each interval; gauges are read fresh via the stats source.
type Bus struct {
	statsFn  func() Stats
	interval time.Duration
	logger   zerolog.Logger

	mu            sync.Mutex
	samples       []time.Duration
	volatileDrops int
	rateLimited   int
}

// NewBus builds a bus. statsFn is polled once per report.
func NewBus(interval time.Duration, statsFn func() Stats) *Bus {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Bus{
		statsFn:  statsFn,
		interval: interval,
		logger:   log.WithComponent("telemetry"),
	}
}

// ObserveEvent records one handled event into both the Prometheus series
// and the next aggregate report.
func (b *Bus) ObserveEvent(event, result string, elapsed time.Duration) {
	ObserveEvent(event, result, elapsed)
	b.mu.Lock()
	b.samples = append(b.samples, elapsed)
	b.mu.Unlock()
}

// ObserveVolatileDrop records a dropped best-effort frame.
func (b *Bus) ObserveVolatileDrop(event string) {
	IncVolatileDrop(event)
	b.mu.Lock()
	b.volatileDrops++
	b.mu.Unlock()
}

// ObserveRateLimited records an over-limit rejection.
func (b *Bus) ObserveRateLimited(event string) {
	IncRateLimited(event)
	b.mu.Lock()
	b.rateLimited++
	b.mu.Unlock()
}

// Run emits reports until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := b.Flush()
			b.logger.Info().
				Int("sessions", report.Sessions).
				Int("members", report.Members).
				Int("events", report.Events).
				Dur("latency_mean", report.MeanLatency).
				Dur("latency_p95", report.P95Latency).
				Int("volatile_drops", report.VolatileDrops).
				Int("rate_limited", report.RateLimited).
				Str(log.FieldBackend, report.Backend).
				Bool("degraded", report.Degraded).
				Msg("telemetry report")
		}
	}
}

// Flush computes the report over the samples collected since the previous
// flush and resets the window.
func (b *Bus) Flush() Report {
	b.mu.Lock()
	samples := b.samples
	b.samples = nil
	drops := b.volatileDrops
	b.volatileDrops = 0
	limited := b.rateLimited
	b.rateLimited = 0
	b.mu.Unlock()

	report := Report{
		Events:        len(samples),
		VolatileDrops: drops,
		RateLimited:   limited,
	}
	if b.statsFn != nil {
		report.Stats = b.statsFn()
	}
	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		var sum time.Duration
		for _, s := range samples {
			sum += s
		}
		report.MeanLatency = sum / time.Duration(len(samples))
		idx := (len(samples) * 95) / 100
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		report.P95Latency = samples[idx]
	}
	return report
}

// Gauges pushes the instantaneous stats into the Prometheus gauges.
func Gauges(s Stats) {
	ActiveSessions.Set(float64(s.Sessions))
	ConnectedMembers.Set(float64(s.Members))
	SetBackend(s.Backend)
}
