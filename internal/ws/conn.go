// SPDX-License-Identifier: MIT

// Package ws is the WebSocket transport layer: per-connection read/write
// pumps with heartbeat, a reliable and a best-effort volatile send path,
// and the hub that tracks live connections per session.
package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096

	// sendQueueSize buffers reliable frames; a consumer that falls this
	// far behind is dropped rather than allowed to stall the session.
	sendQueueSize = 64
	// volatileQueueSize buffers best-effort frames (scroll ticks,
	// metronome beats); overflow silently drops the frame.
	volatileQueueSize = 8
)

// Handler receives transport callbacks. HandleMessage runs on the
// connection's read pump goroutine; it must not block indefinitely.
type Handler interface {
	HandleMessage(c *Conn, data []byte)
	HandleDisconnect(c *Conn)
}

// Conn is one live client connection.
type Conn struct {
	// ID is the server-assigned connection identifier.
	ID         string
	RemoteAddr string

	ws       *websocket.Conn
	send     chan []byte
	volatile chan []byte
	done     chan struct{}

	pingPeriod time.Duration
	pongWait   time.Duration

	lastPingAt atomic.Int64 // UnixNano of the last ping sent
	rttMs      atomic.Int64

	handler   Handler
	logger    zerolog.Logger
	closeOnce sync.Once
}

// NewConn wraps an upgraded WebSocket. pingPeriod drives the heartbeat;
// pongWait is how long a silent peer survives before the read deadline
// kills the connection.
func NewConn(id string, wsConn *websocket.Conn, handler Handler, pingPeriod, pongWait time.Duration) *Conn {
	return &Conn{
		ID:         id,
		RemoteAddr: wsConn.RemoteAddr().String(),
		ws:         wsConn,
		send:       make(chan []byte, sendQueueSize),
		volatile:   make(chan []byte, volatileQueueSize),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		handler:    handler,
		logger: log.WithComponent("ws").With().
			Str(log.FieldConnectionID, id).Logger(),
	}
}

// Run starts the write pump and blocks on the read pump until the
// connection dies. The caller's HTTP handler goroutine is the read pump.
func (c *Conn) Run() {
	go c.writePump()
	c.readPump()
}

// Send queues a reliable frame. The connection is closed when the queue is
// full: a stalled consumer must not hold authoritative events forever.
func (c *Conn) Send(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn().Msg("send queue full, dropping connection")
		c.Close()
	}
}

// SendVolatile queues a best-effort frame; overflow drops the frame. Tick
// and beat traffic tolerates gaps, the next frame supersedes anyway.
// Returns false when the frame was dropped.
func (c *Conn) SendVolatile(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.volatile <- data:
		return true
	default:
		return false
	}
}

// RTT returns the heartbeat round trip measured on the last pong.
func (c *Conn) RTT() (time.Duration, bool) {
	ms := c.rttMs.Load()
	if ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Close tears the connection down once; safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		c.handler.HandleDisconnect(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.rttMs.Store(-1)
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		if sentAt := c.lastPingAt.Load(); sentAt > 0 {
			c.rttMs.Store(time.Since(time.Unix(0, sentAt)).Milliseconds())
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handler.HandleMessage(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-c.volatile:
			// reliable frames first
			if !c.drainSend() {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.lastPingAt.Store(time.Now().UnixNano())
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainSend flushes any queued reliable frames before a volatile write.
func (c *Conn) drainSend() bool {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
