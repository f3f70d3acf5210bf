// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/session"
)

// Manager selects the backend at startup, mirrors durable writes into an
// in-memory shadow, performs a live fallback when the durable backend is
// lost and migrates state back once a reconnection probe succeeds.
//
// Manager implements Store; callers never talk to a backend directly.
type Manager struct {
	mu       sync.RWMutex
	active   Store
	redis    *RedisStore // non-nil only while the durable backend is live
	shadow   *MemoryStore
	degraded bool

	subs      map[int]*subscription
	nextSubID int

	opts    ManagerOptions
	logger  zerolog.Logger
	probing bool

	lifecycleCtx context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type subscription struct {
	sessionID string
	handler   EventHandler
	cancel    func()
}

// ManagerOptions parameterises the Manager.
type ManagerOptions struct {
	// Backend is "redis" or "memory".
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL applied to sessions in both backends.
	TTL time.Duration
	// SweepInterval of the in-memory janitor.
	SweepInterval time.Duration

	// ReconnectInterval is the fixed delay between reconnect probes.
	ReconnectInterval time.Duration
	// ReconnectMaxAttempts bounds the probe loop; 0 means unbounded.
	ReconnectMaxAttempts int

	Logger zerolog.Logger

	// OnBackendChange is invoked after every backend swap with the new
	// backend name and the degraded flag. Optional.
	OnBackendChange func(backend string, degraded bool)
}

// NewManager builds the manager and connects the configured backend. A
// failed initial Redis connection falls back to memory and starts the
// reconnection probe; the constructor itself does not fail for that.
func NewManager(ctx context.Context, opts ManagerOptions) *Manager {
	lifecycleCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		shadow: NewMemoryStore(MemoryOptions{
			TTL:           opts.TTL,
			SweepInterval: opts.SweepInterval,
			Logger:        opts.Logger,
		}),
		subs:         make(map[int]*subscription),
		opts:         opts,
		logger:       opts.Logger,
		lifecycleCtx: lifecycleCtx,
		cancel:       cancel,
	}
	m.active = m.shadow

	if opts.Backend != "redis" {
		m.logger.Info().Str("backend", "memory").Msg("session store ready")
		return m
	}

	rs, err := NewRedisStore(ctx, RedisOptions{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
		TTL:      opts.TTL,
		Logger:   opts.Logger,
	})
	if err != nil {
		m.logger.Warn().Err(err).
			Msg("durable backend unavailable at startup, serving from memory")
		m.degraded = true
		m.startProbe()
		return m
	}

	m.redis = rs
	m.active = rs
	m.logger.Info().Str("backend", "redis").Msg("session store ready")
	return m
}

// Active returns the current backend and whether it is the durable one.
func (m *Manager) snapshotActive() (Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.redis != nil
}

// Degraded reports whether the coordinator is serving from the fallback
// while the durable backend is configured.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// Name returns the active backend name.
func (m *Manager) Name() string {
	s, _ := m.snapshotActive()
	return s.Name()
}

// observe inspects an operation error and triggers fallback when the
// durable backend has been lost. Returns err unchanged.
func (m *Manager) observe(err error) error {
	if err == nil || !IsConnectionLost(err) {
		return err
	}
	m.mu.RLock()
	durable := m.redis != nil
	m.mu.RUnlock()
	if durable {
		go m.fallback(err)
	}
	return err
}

// fallback swaps the active backend to the in-memory shadow. The shadow has
// mirrored every durable write, so the snapshot/re-create step of the
// migration is already in place when the swap happens.
func (m *Manager) fallback(cause error) {
	m.mu.Lock()
	if m.redis == nil {
		m.mu.Unlock()
		return
	}
	old := m.redis
	m.redis = nil
	m.active = m.shadow
	m.degraded = true
	m.mu.Unlock()

	_ = old.Close()
	m.logger.Error().Err(cause).
		Str("backend", "memory").
		Msg("durable backend lost, serving from in-memory fallback")

	if m.opts.OnBackendChange != nil {
		m.opts.OnBackendChange("memory", true)
	}
	m.startProbe()
}

// startProbe launches the reconnection loop once.
func (m *Manager) startProbe() {
	m.mu.Lock()
	if m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeLoop()
	}()
}

func (m *Manager) probeLoop() {
	interval := m.opts.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	operation := func() (*RedisStore, error) {
		probeCtx, cancel := context.WithTimeout(m.lifecycleCtx, 10*time.Second)
		defer cancel()
		return NewRedisStore(probeCtx, RedisOptions{
			Addr:     m.opts.RedisAddr,
			Password: m.opts.RedisPassword,
			DB:       m.opts.RedisDB,
			TTL:      m.opts.TTL,
			Logger:   m.logger,
		})
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
	}
	if m.opts.ReconnectMaxAttempts > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxTries(uint(m.opts.ReconnectMaxAttempts)))
	}

	rs, err := backoff.Retry(m.lifecycleCtx, operation, retryOpts...)

	m.mu.Lock()
	m.probing = false
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).
			Msg("durable backend reconnection abandoned, staying on in-memory fallback")
		return
	}

	m.migrateToDurable(rs)
}

// migrateToDurable copies the shadow state into the reconnected backend and
// swaps it in. The write lock is held for the whole migration so no partial
// state is externally observable.
func (m *Manager) migrateToDurable(rs *RedisStore) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.lifecycleCtx, 30*time.Second)
	defer cancel()

	dump := m.shadow.DumpAll()
	for _, s := range dump.Sessions {
		// overwrite whatever stale copy survived the outage
		if _, err := rs.DeleteSession(ctx, s.ID); err != nil {
			m.abortMigration(rs, err)
			return
		}
		if _, err := rs.CreateSession(ctx, s); err != nil {
			m.abortMigration(rs, err)
			return
		}
		for _, mem := range dump.Members[s.ID] {
			if _, err := rs.AddMember(ctx, s.ID, mem); err != nil {
				m.abortMigration(rs, err)
				return
			}
		}
		for _, req := range dump.Requests[s.ID] {
			if err := rs.AddLeaderRequest(ctx, req); err != nil {
				m.abortMigration(rs, err)
				return
			}
		}
	}
	for connID, sessionID := range dump.Connections {
		if err := rs.SetSessionByConnection(ctx, connID, sessionID); err != nil {
			m.abortMigration(rs, err)
			return
		}
	}

	m.redis = rs
	m.active = rs
	m.degraded = false

	for _, sub := range m.subs {
		sub.resubscribe(ctx, rs, m.logger)
	}

	m.logger.Info().
		Int("sessions", len(dump.Sessions)).
		Str("backend", "redis").
		Msg("migrated session state back to durable backend")

	if m.opts.OnBackendChange != nil {
		// release the lock before calling out
		go m.opts.OnBackendChange("redis", false)
	}
}

// abortMigration keeps serving from the fallback when migration fails and
// re-arms the probe. Called with the write lock held.
func (m *Manager) abortMigration(rs *RedisStore, err error) {
	_ = rs.Close()
	m.logger.Error().Err(err).
		Msg("migration to durable backend failed, staying on in-memory fallback")
	if !m.probing {
		m.probing = true
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.probeLoop()
		}()
	}
}

func (s *subscription) resubscribe(ctx context.Context, rs *RedisStore, logger zerolog.Logger) {
	cancel, err := rs.SubscribeToSession(ctx, s.sessionID, s.handler)
	if err != nil {
		logger.Warn().Err(err).
			Str("session_id", s.sessionID).
			Msg("failed to re-establish session subscription")
		return
	}
	s.cancel = cancel
}

// RunHealthLoop periodically pings the active backend, escalating a lost
// durable connection to fallback. Blocks until ctx is done.
func (m *Manager) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active, durable := m.snapshotActive()
			if !durable {
				continue
			}
			if err := active.HealthCheck(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("durable backend health check failed")
				_ = m.observe(err)
			}
		}
	}
}

// Close stops the probe loop and closes both backends.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis != nil {
		_ = m.redis.Close()
		m.redis = nil
	}
	return m.shadow.Close()
}

// --- Store contract; durable writes are mirrored into the shadow. ---

// CreateSession creates the session in the active backend.
func (m *Manager) CreateSession(ctx context.Context, s *session.Session) (*session.Session, error) {
	active, durable := m.snapshotActive()
	out, err := active.CreateSession(ctx, s)
	if err != nil {
		return nil, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.CreateSession(ctx, s)
	}
	return out, nil
}

// GetSession reads from the active backend.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	active, _ := m.snapshotActive()
	out, err := active.GetSession(ctx, sessionID)
	if err != nil {
		return nil, m.observe(err)
	}
	return out, nil
}

// UpdateSession patches the session in the active backend.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, patch session.Patch) (*session.Session, error) {
	active, durable := m.snapshotActive()
	out, err := active.UpdateSession(ctx, sessionID, patch)
	if err != nil {
		return nil, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.UpdateSession(ctx, sessionID, patch)
	}
	return out, nil
}

// DeleteSession removes the session from the active backend.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	active, durable := m.snapshotActive()
	ok, err := active.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.DeleteSession(ctx, sessionID)
	}
	return ok, nil
}

// ListSessions lists from the active backend.
func (m *Manager) ListSessions(ctx context.Context) ([]*session.Session, error) {
	active, _ := m.snapshotActive()
	out, err := active.ListSessions(ctx)
	if err != nil {
		return nil, m.observe(err)
	}
	return out, nil
}

// AddMember adds the member in the active backend.
func (m *Manager) AddMember(ctx context.Context, sessionID string, mem *session.Member) (*session.Member, error) {
	active, durable := m.snapshotActive()
	out, err := active.AddMember(ctx, sessionID, mem)
	if err != nil {
		return nil, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.AddMember(ctx, sessionID, mem)
	}
	return out, nil
}

// RemoveMember removes the member from the active backend.
func (m *Manager) RemoveMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error) {
	active, durable := m.snapshotActive()
	out, err := active.RemoveMember(ctx, sessionID, connectionID)
	if err != nil {
		return nil, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.RemoveMember(ctx, sessionID, connectionID)
	}
	return out, nil
}

// GetMember reads the member from the active backend.
func (m *Manager) GetMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error) {
	active, _ := m.snapshotActive()
	out, err := active.GetMember(ctx, sessionID, connectionID)
	if err != nil {
		return nil, m.observe(err)
	}
	return out, nil
}

// ListMembers lists members from the active backend.
func (m *Manager) ListMembers(ctx context.Context, sessionID string) ([]*session.Member, error) {
	active, _ := m.snapshotActive()
	out, err := active.ListMembers(ctx, sessionID)
	if err != nil {
		return nil, m.observe(err)
	}
	return out, nil
}

// MemberCount counts members in the active backend.
func (m *Manager) MemberCount(ctx context.Context, sessionID string) (int, error) {
	active, _ := m.snapshotActive()
	n, err := active.MemberCount(ctx, sessionID)
	if err != nil {
		return 0, m.observe(err)
	}
	return n, nil
}

// SetSessionByConnection writes the reverse index entry.
func (m *Manager) SetSessionByConnection(ctx context.Context, connectionID, sessionID string) error {
	active, durable := m.snapshotActive()
	if err := active.SetSessionByConnection(ctx, connectionID, sessionID); err != nil {
		return m.observe(err)
	}
	if durable {
		_ = m.shadow.SetSessionByConnection(ctx, connectionID, sessionID)
	}
	return nil
}

// GetSessionByConnection resolves the reverse index entry.
func (m *Manager) GetSessionByConnection(ctx context.Context, connectionID string) (string, error) {
	active, _ := m.snapshotActive()
	out, err := active.GetSessionByConnection(ctx, connectionID)
	if err != nil {
		return "", m.observe(err)
	}
	return out, nil
}

// DeleteSessionByConnection drops the reverse index entry.
func (m *Manager) DeleteSessionByConnection(ctx context.Context, connectionID string) error {
	active, durable := m.snapshotActive()
	if err := active.DeleteSessionByConnection(ctx, connectionID); err != nil {
		return m.observe(err)
	}
	if durable {
		_ = m.shadow.DeleteSessionByConnection(ctx, connectionID)
	}
	return nil
}

// AddLeaderRequest records the request in the active backend.
func (m *Manager) AddLeaderRequest(ctx context.Context, req *session.LeaderRequest) error {
	active, durable := m.snapshotActive()
	if err := active.AddLeaderRequest(ctx, req); err != nil {
		return m.observe(err)
	}
	if durable {
		_ = m.shadow.AddLeaderRequest(ctx, req)
	}
	return nil
}

// RemoveLeaderRequest removes the request from the active backend.
func (m *Manager) RemoveLeaderRequest(ctx context.Context, sessionID, connectionID string) (bool, error) {
	active, durable := m.snapshotActive()
	ok, err := active.RemoveLeaderRequest(ctx, sessionID, connectionID)
	if err != nil {
		return false, m.observe(err)
	}
	if durable {
		_, _ = m.shadow.RemoveLeaderRequest(ctx, sessionID, connectionID)
	}
	return ok, nil
}

// ListLeaderRequests lists requests from the active backend.
func (m *Manager) ListLeaderRequests(ctx context.Context, sessionID string) ([]*session.LeaderRequest, error) {
	active, _ := m.snapshotActive()
	out, err := active.ListLeaderRequests(ctx, sessionID)
	if err != nil {
		return nil, m.observe(err)
	}
	return out, nil
}

// PublishToSession publishes via the active backend. A no-op on memory.
func (m *Manager) PublishToSession(ctx context.Context, sessionID, event string, payload []byte) error {
	active, _ := m.snapshotActive()
	if err := active.PublishToSession(ctx, sessionID, event, payload); err != nil {
		return m.observe(err)
	}
	return nil
}

// SubscribeToSession subscribes via the active backend and records the
// subscription so it survives migrations between backends.
func (m *Manager) SubscribeToSession(ctx context.Context, sessionID string, handler EventHandler) (func(), error) {
	m.mu.Lock()
	active := m.active
	id := m.nextSubID
	m.nextSubID++
	sub := &subscription{sessionID: sessionID, handler: handler}
	m.subs[id] = sub
	m.mu.Unlock()

	cancel, err := active.SubscribeToSession(ctx, sessionID, handler)
	if err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		return nil, m.observe(err)
	}
	sub.cancel = cancel

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		underlying := sub.cancel
		m.mu.Unlock()
		if underlying != nil {
			underlying()
		}
	}, nil
}

// HealthCheck pings the active backend.
func (m *Manager) HealthCheck(ctx context.Context) error {
	active, _ := m.snapshotActive()
	return m.observe(active.HealthCheck(ctx))
}
