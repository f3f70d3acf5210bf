// SPDX-License-Identifier: MIT

// Package telemetry exposes Prometheus metrics and the periodic aggregate
// report for the coordinator.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions with at least one local connection.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baton_active_sessions",
		Help: "Number of active sessions with at least one connected member",
	})

	// ConnectedMembers tracks the number of live connections.
	ConnectedMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baton_connected_members",
		Help: "Number of connected members across all sessions",
	})

	// EventsTotal counts processed client events by name and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_events_total",
		Help: "Total client events processed by event name and result",
	}, []string{"event", "result"})

	// EventLatency tracks server-side handling latency per event.
	EventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "baton_event_latency_seconds",
		Help:    "Server-side event handling latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// VolatileDropsTotal counts best-effort frames dropped on full queues.
	VolatileDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_volatile_drops_total",
		Help: "Total volatile frames dropped due to slow consumers",
	}, []string{"event"})

	// RateLimitedTotal counts rejected over-limit events.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_rate_limited_total",
		Help: "Total events rejected by the per-connection rate limiter",
	}, []string{"event"})

	// StoreBackend reports the active store backend (1 on the active one).
	StoreBackend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "baton_store_backend",
		Help: "Active store backend, 1 for the backend in use",
	}, []string{"backend"})

	// StoreMigrationsTotal counts backend switches by direction.
	StoreMigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_store_migrations_total",
		Help: "Total store migrations by direction (fallback or recover)",
	}, []string{"direction"})

	// DriftCorrectionsTotal counts issued position corrections.
	DriftCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baton_drift_corrections_total",
		Help: "Total positionCorrection events issued to drifting clients",
	})
)

// ObserveEvent records one handled event with its outcome and latency.
func ObserveEvent(event, result string, elapsed time.Duration) {
	EventsTotal.WithLabelValues(event, result).Inc()
	EventLatency.WithLabelValues(event).Observe(elapsed.Seconds())
}

// IncVolatileDrop records a dropped best-effort frame.
func IncVolatileDrop(event string) {
	VolatileDropsTotal.WithLabelValues(event).Inc()
}

// IncRateLimited records an over-limit rejection.
func IncRateLimited(event string) {
	RateLimitedTotal.WithLabelValues(event).Inc()
}

// SetBackend flips the backend gauge to the named backend.
func SetBackend(name string) {
	for _, b := range []string{"redis", "memory"} {
		v := 0.0
		if b == name {
			v = 1
		}
		StoreBackend.WithLabelValues(b).Set(v)
	}
}

// IncMigration records a store migration. direction is "fallback" (durable
// to memory) or "recover" (memory back to durable).
func IncMigration(direction string) {
	StoreMigrationsTotal.WithLabelValues(direction).Inc()
}
