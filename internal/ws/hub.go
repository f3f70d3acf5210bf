// SPDX-License-Identifier: MIT

package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
)

// Hub tracks live connections and their session bindings. It is pure
// transport bookkeeping; who may join what is decided upstream.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	sessions map[string]map[string]*Conn // sessionID -> connectionID -> conn
	bindings map[string]string           // connectionID -> sessionID
	logger   zerolog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		sessions: make(map[string]map[string]*Conn),
		bindings: make(map[string]string),
		logger:   log.WithComponent("hub"),
	}
}

// Register adds a freshly accepted connection.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// Unregister removes a connection and any session binding.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connectionID)
	h.unbindLocked(connectionID)
}

// Bind associates a connection with a session for fan-out. A connection
// belongs to at most one session; rebinding moves it.
func (h *Hub) Bind(connectionID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return
	}
	h.unbindLocked(connectionID)
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[string]*Conn)
		h.sessions[sessionID] = set
	}
	set[connectionID] = c
	h.bindings[connectionID] = sessionID
}

// Unbind removes a connection's session association.
func (h *Hub) Unbind(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(connectionID)
}

func (h *Hub) unbindLocked(connectionID string) {
	sessionID, ok := h.bindings[connectionID]
	if !ok {
		return
	}
	delete(h.bindings, connectionID)
	if set, ok := h.sessions[sessionID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// Conn returns a live connection by ID.
func (h *Hub) Conn(connectionID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connectionID]
	return c, ok
}

// SessionConns snapshots the connections bound to a session.
func (h *Hub) SessionConns(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[sessionID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SessionCount reports the number of sessions with at least one local
// connection.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll tears down every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
