// SPDX-License-Identifier: MIT

// Package coordinator wires the transport, registry, roles, clock-sync and
// store layers together: it owns the event pipeline from an inbound frame
// to the fan-out of the resulting state.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/clocksync"
	"github.com/ensemble-live/baton/internal/config"
	"github.com/ensemble-live/baton/internal/dispatch"
	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/registry"
	"github.com/ensemble-live/baton/internal/roles"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
	"github.com/ensemble-live/baton/internal/telemetry"
	"github.com/ensemble-live/baton/internal/transport"
	"github.com/ensemble-live/baton/internal/ws"
)

// Coordinator is the session coordination core. It implements ws.Handler:
// every inbound frame runs validate → rate limit → authorize → dispatch,
// and every resulting state change fans out to the session's members.
type Coordinator struct {
	cfg config.Config

	store    *store.Manager
	locks    *session.LockTable
	registry *registry.Registry
	roles    *roles.Manager
	engine   *transport.Engine
	csync    *clocksync.Engine
	hub      *ws.Hub
	limiter  *dispatch.Limiter
	bus      *telemetry.Bus

	// instanceID tags relayed pub/sub frames so an instance never
	// re-applies its own broadcasts.
	instanceID string

	subMu sync.Mutex
	subs  map[string]func() // sessionID -> unsubscribe

	logger zerolog.Logger
}

// New wires a coordinator. The store manager's backend-change hook is
// claimed here to keep the telemetry gauges honest.
func New(cfg config.Config, mgr *store.Manager) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		store:      mgr,
		locks:      session.NewLockTable(),
		hub:        ws.NewHub(),
		limiter:    dispatch.NewLimiter(cfg.Limits),
		instanceID: uuid.NewString(),
		subs:       make(map[string]func()),
		logger:     log.WithComponent("coordinator"),
	}
	c.registry = registry.New(registry.Options{
		Store:      mgr,
		Locks:      c.locks,
		MaxMembers: cfg.Session.MaxMembers,
		EmptyGrace: cfg.Session.EmptyGrace,
	})
	c.roles = roles.New(mgr)
	c.engine = transport.NewEngine(transport.Options{
		Store:      mgr,
		Locks:      c.locks,
		TickPeriod: cfg.Transport.TickPeriod,
		OnTick:     c.onTick,
		OnBeat:     c.onBeat,
	})
	c.csync = clocksync.New(clocksync.Options{
		ProbeCount:     cfg.Sync.ProbeCount,
		ProbeInterval:  cfg.Sync.ProbeInterval,
		DriftThreshold: time.Duration(cfg.Sync.DriftThresholdMs) * time.Millisecond,
	})
	c.bus = telemetry.NewBus(cfg.Telemetry.ReportInterval, c.Stats)
	return c
}

// Hub exposes the connection hub to the HTTP layer.
func (c *Coordinator) Hub() *ws.Hub { return c.hub }

// Bus exposes the telemetry bus.
func (c *Coordinator) Bus() *telemetry.Bus { return c.bus }

// Stats snapshots the instantaneous gauges for telemetry.
func (c *Coordinator) Stats() telemetry.Stats {
	s := telemetry.Stats{
		Sessions: c.hub.SessionCount(),
		Members:  c.hub.ConnCount(),
		Backend:  c.store.Name(),
		Degraded: c.store.Degraded(),
	}
	telemetry.Gauges(s)
	return s
}

// Run starts the background loops and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.registry.RunSweeper(ctx, c.cfg.Session.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		c.bus.Run(ctx)
	}()
	wg.Wait()
}

// Shutdown drains the transport: every ticker stops and every client is
// disconnected.
func (c *Coordinator) Shutdown() {
	c.engine.Close()
	c.hub.CloseAll()

	c.subMu.Lock()
	for id, unsub := range c.subs {
		unsub()
		delete(c.subs, id)
	}
	c.subMu.Unlock()
}

// HandleConnect primes a freshly accepted connection: its latency tracker
// is created and the client is asked to start a clock-sync exchange.
func (c *Coordinator) HandleConnect(conn *ws.Conn) {
	c.csync.Register(conn.ID)
	c.solicitProbes(conn)
}

// OnBackendChange is installed as the store manager's hook.
func (c *Coordinator) OnBackendChange(backend string, degraded bool) {
	direction := "recover"
	if degraded {
		direction = "fallback"
	}
	telemetry.IncMigration(direction)
	telemetry.SetBackend(backend)
	c.logger.Warn().
		Str(log.FieldBackend, backend).
		Bool("degraded", degraded).
		Msg("store backend changed")
}

// NewConnectionID assigns a server-side connection identifier.
func NewConnectionID() string {
	return uuid.NewString()
}
