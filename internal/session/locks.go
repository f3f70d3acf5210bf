// SPDX-License-Identifier: MIT

package session

import "sync"

// LockTable hands out one mutex per session so that all read-modify-write
// sequences on a single session are serialized while distinct sessions
// proceed in parallel. The table itself is guarded by a coarse lock that is
// released before the per-session lock is acquired.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-session lock for sessionID, creating it on first use.
// The returned function releases the lock.
func (t *LockTable) Lock(sessionID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Forget drops the lock entry for a deleted session. Safe to call while other
// goroutines still hold the old mutex; they finish on the orphaned instance.
func (t *LockTable) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.locks, sessionID)
	t.mu.Unlock()
}

// Len reports the number of tracked sessions, for telemetry.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
