// SPDX-License-Identifier: MIT

// Package transport owns the authoritative playback state machine: play,
// pause, stop, seek and tempo changes, plus the position tick loop that
// advances playback by measured elapsed time and fans out scroll ticks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
)

var (
	// ErrInvalidTempo rejects tempos outside the supported range.
	ErrInvalidTempo = fmt.Errorf("tempo out of range [%d, %d]", session.MinTempoBPM, session.MaxTempoBPM)
	// ErrInvalidPosition rejects negative seek targets.
	ErrInvalidPosition = errors.New("position must be >= 0")
)

// All sessions run in common time.
const beatsPerMeasure = 4

// Snapshot is the transport state fanned out on every tick and after every
// command, stamped with the server clock so clients can compensate for
// transit time.
type Snapshot struct {
	SessionID    string `json:"sessionId"`
	IsPlaying    bool   `json:"isPlaying"`
	PositionMs   int64  `json:"positionMs"`
	TempoBPM     int    `json:"tempoBpm"`
	ServerTimeMs int64  `json:"serverTimestamp"`
}

// TickFunc receives a snapshot each time a playing session advances.
type TickFunc func(snap Snapshot)

// BeatFunc receives metronome beats. beat counts 1..beatsPerMeasure.
type BeatFunc func(sessionID string, beat int, tempoBPM int)

// Engine drives the transport of every playing session. Command methods
// assume the caller holds the session lock; the internal tick loop takes
// the lock itself, like the registry sweeper.
type Engine struct {
	store  store.Store
	locks  *session.LockTable
	logger zerolog.Logger

	tickPeriod time.Duration
	onTick     TickFunc
	onBeat     BeatFunc

	mu      sync.Mutex
	tickers map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// Options parameterises the engine. OnTick and OnBeat may be nil.
type Options struct {
	Store      store.Store
	Locks      *session.LockTable
	TickPeriod time.Duration
	OnTick     TickFunc
	OnBeat     BeatFunc
}

// NewEngine builds a transport engine.
func NewEngine(opts Options) *Engine {
	period := opts.TickPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	return &Engine{
		store:      opts.Store,
		locks:      opts.Locks,
		logger:     log.WithComponent("transport"),
		tickPeriod: period,
		onTick:     opts.OnTick,
		onBeat:     opts.OnBeat,
		tickers:    make(map[string]context.CancelFunc),
	}
}

// Play starts playback from the current position. Idempotent while playing.
func (e *Engine) Play(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsPlaying {
		return s, nil
	}
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying: session.BoolPtr(true),
	})
	if err != nil {
		return nil, err
	}
	e.startTicker(sessionID)
	e.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int64(log.FieldPositionMS, updated.PositionMs).
		Int(log.FieldTempoBPM, updated.TempoBPM).
		Msg("playback started")
	return updated, nil
}

// Pause halts playback, keeping the position. Idempotent while paused.
func (e *Engine) Pause(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsPlaying {
		return s, nil
	}
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying: session.BoolPtr(false),
	})
	if err != nil {
		return nil, err
	}
	e.stopTicker(sessionID)
	e.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int64(log.FieldPositionMS, updated.PositionMs).
		Msg("playback paused")
	return updated, nil
}

// Stop halts playback and rewinds to position zero.
func (e *Engine) Stop(ctx context.Context, sessionID string) (*session.Session, error) {
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		IsPlaying:  session.BoolPtr(false),
		PositionMs: session.Int64Ptr(0),
	})
	if err != nil {
		return nil, err
	}
	e.stopTicker(sessionID)
	e.logger.Info().Str(log.FieldSessionID, sessionID).Msg("playback stopped")
	return updated, nil
}

// Seek jumps to an absolute position in any transport state. Playback, if
// running, continues from the new position.
func (e *Engine) Seek(ctx context.Context, sessionID string, positionMs int64) (*session.Session, error) {
	if positionMs < 0 {
		return nil, ErrInvalidPosition
	}
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		PositionMs: session.Int64Ptr(positionMs),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int64(log.FieldPositionMS, positionMs).
		Msg("seek")
	return updated, nil
}

// SetTempo validates and applies a tempo change without touching the
// position or the playing state.
func (e *Engine) SetTempo(ctx context.Context, sessionID string, bpm int) (*session.Session, error) {
	if bpm < session.MinTempoBPM || bpm > session.MaxTempoBPM {
		return nil, ErrInvalidTempo
	}
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		TempoBPM: session.IntPtr(bpm),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int(log.FieldTempoBPM, bpm).
		Msg("tempo changed")
	return updated, nil
}

// SnapshotOf converts a session into a server-stamped transport snapshot.
func SnapshotOf(s *session.Session) Snapshot {
	return Snapshot{
		SessionID:    s.ID,
		IsPlaying:    s.IsPlaying,
		PositionMs:   s.PositionMs,
		TempoBPM:     s.TempoBPM,
		ServerTimeMs: time.Now().UnixMilli(),
	}
}

// Release stops the session's ticker, if any. Called when a session dies.
func (e *Engine) Release(sessionID string) {
	e.stopTicker(sessionID)
}

// Close stops every ticker and waits for the loops to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, cancel := range e.tickers {
		cancel()
		delete(e.tickers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) startTicker(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.tickers[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.tickers[sessionID] = cancel
	e.wg.Add(1)
	go e.runTicker(ctx, sessionID)
}

func (e *Engine) stopTicker(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.tickers[sessionID]; ok {
		cancel()
		delete(e.tickers, sessionID)
	}
}

// runTicker advances one session's position until it stops playing. The
// position moves by wall-clock elapsed time per tick, not by the nominal
// period, so scheduling jitter never accumulates into drift.
func (e *Engine) runTicker(ctx context.Context, sessionID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickPeriod)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if !e.advance(ctx, sessionID, elapsed) {
				e.stopTicker(sessionID)
				return
			}
		}
	}
}

// advance moves a playing session forward by elapsed and fans out the tick
// and any beat crossings. Returns false when the ticker should die.
func (e *Engine) advance(ctx context.Context, sessionID string, elapsed time.Duration) bool {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if !store.IsNotFound(err) {
			e.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("tick: get session failed")
		}
		return false
	}
	if !s.IsPlaying {
		return false
	}

	prev := s.PositionMs
	next := prev + elapsed.Milliseconds()
	updated, err := e.store.UpdateSession(ctx, sessionID, session.Patch{
		PositionMs: session.Int64Ptr(next),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("tick: update failed")
		return true
	}

	if e.onTick != nil {
		e.onTick(SnapshotOf(updated))
	}
	if e.onBeat != nil {
		e.emitBeats(sessionID, prev, next, updated.TempoBPM)
	}
	return true
}

// emitBeats fires the metronome callback for every beat boundary crossed in
// (prev, next].
func (e *Engine) emitBeats(sessionID string, prev, next int64, tempoBPM int) {
	if tempoBPM <= 0 {
		return
	}
	beatMs := 60_000.0 / float64(tempoBPM)
	prevBeat := int64(float64(prev) / beatMs)
	nextBeat := int64(float64(next) / beatMs)
	for b := prevBeat + 1; b <= nextBeat; b++ {
		e.onBeat(sessionID, int(b%beatsPerMeasure)+1, tempoBPM)
	}
}
