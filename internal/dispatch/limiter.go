// SPDX-License-Identifier: MIT

package dispatch

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ensemble-live/baton/internal/config"
)

// limitClass buckets event kinds that share a token bucket.
type limitClass int

const (
	classDefault limitClass = iota
	classPositionSync
	classTempo
	classJoin
)

func classify(event string) limitClass {
	switch event {
	case EvPositionSync, EvLatencyProbe:
		return classPositionSync
	case EvSetTempo, EvTempoChange:
		return classTempo
	case EvJoinSession:
		return classJoin
	default:
		return classDefault
	}
}

// ConnLimiter holds one token bucket per event class for a single
// connection, plus the violation counter that eventually disconnects
// persistent offenders.
type ConnLimiter struct {
	mu         sync.Mutex
	buckets    map[limitClass]*rate.Limiter
	violations int
	limit      int
}

// Limiter hands out per-connection limiter sets from shared parameters.
type Limiter struct {
	cfg config.LimitsConfig

	mu    sync.Mutex
	conns map[string]*ConnLimiter
}

// NewLimiter builds a limiter registry.
func NewLimiter(cfg config.LimitsConfig) *Limiter {
	return &Limiter{cfg: cfg, conns: make(map[string]*ConnLimiter)}
}

// ForConnection returns (creating on first use) the connection's limiter.
func (l *Limiter) ForConnection(connectionID string) *ConnLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cl, ok := l.conns[connectionID]; ok {
		return cl
	}
	cl := &ConnLimiter{
		buckets: map[limitClass]*rate.Limiter{
			classDefault:      rate.NewLimiter(rate.Limit(l.cfg.DefaultPerSec), l.cfg.DefaultBurst),
			classPositionSync: rate.NewLimiter(rate.Limit(l.cfg.PositionSyncPerSec), l.cfg.PositionSyncBurst),
			classTempo:        rate.NewLimiter(rate.Limit(l.cfg.TempoPerSec), l.cfg.TempoBurst),
			classJoin:         rate.NewLimiter(rate.Limit(l.cfg.JoinPerSec), l.cfg.JoinBurst),
		},
		limit: l.cfg.ViolationLimit,
	}
	l.conns[connectionID] = cl
	return cl
}

// Forget drops a connection's limiter state on disconnect.
func (l *Limiter) Forget(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connectionID)
}

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed bool
	// RetryAfterMs hints when the next event of this kind will be allowed.
	RetryAfterMs int64
	// Disconnect is set once the connection has exhausted its violation
	// allowance and should be dropped.
	Disconnect bool
}

// Allow checks one event against the connection's buckets at time now.
func (c *ConnLimiter) Allow(event string, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.buckets[classify(event)]
	if bucket.AllowN(now, 1) {
		return Decision{Allowed: true}
	}

	c.violations++
	res := bucket.ReserveN(now, 1)
	retryAfter := int64(0)
	if res.OK() {
		retryAfter = int64(math.Ceil(float64(res.DelayFrom(now)) / float64(time.Millisecond)))
		res.CancelAt(now)
	}
	return Decision{
		RetryAfterMs: retryAfter,
		Disconnect:   c.limit > 0 && c.violations > c.limit,
	}
}

// Violations reports how many over-limit events this connection has sent.
func (c *ConnLimiter) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}
