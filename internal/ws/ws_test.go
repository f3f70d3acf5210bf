// SPDX-License-Identifier: MIT

package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBindAndFanout(t *testing.T) {
	h := NewHub()

	a := &Conn{ID: "conn-a", done: make(chan struct{})}
	b := &Conn{ID: "conn-b", done: make(chan struct{})}
	c := &Conn{ID: "conn-c", done: make(chan struct{})}
	for _, conn := range []*Conn{a, b, c} {
		h.Register(conn)
	}

	h.Bind("conn-a", "jam-1")
	h.Bind("conn-b", "jam-1")
	h.Bind("conn-c", "jam-2")

	assert.Equal(t, 3, h.ConnCount())
	assert.Equal(t, 2, h.SessionCount())
	assert.Len(t, h.SessionConns("jam-1"), 2)
	assert.Len(t, h.SessionConns("jam-2"), 1)

	// rebinding moves the connection
	h.Bind("conn-b", "jam-2")
	assert.Len(t, h.SessionConns("jam-1"), 1)
	assert.Len(t, h.SessionConns("jam-2"), 2)

	h.Unregister("conn-c")
	assert.Len(t, h.SessionConns("jam-2"), 1)
	_, ok := h.Conn("conn-c")
	assert.False(t, ok)

	// emptied sessions disappear
	h.Unbind("conn-a")
	h.Unbind("conn-b")
	assert.Zero(t, h.SessionCount())
}

func TestHubBindUnknownConnIsNoop(t *testing.T) {
	h := NewHub()
	h.Bind("ghost", "jam-1")
	assert.Empty(t, h.SessionConns("jam-1"))
}

// capturingHandler records frames and disconnects.
type capturingHandler struct {
	mu       sync.Mutex
	frames   [][]byte
	gone     bool
	onFrame  func(c *Conn, data []byte)
}

func (h *capturingHandler) HandleMessage(c *Conn, data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, data)
	h.mu.Unlock()
	if h.onFrame != nil {
		h.onFrame(c, data)
	}
}

func (h *capturingHandler) HandleDisconnect(*Conn) {
	h.mu.Lock()
	h.gone = true
	h.mu.Unlock()
}

func (h *capturingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *capturingHandler) disconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gone
}

// startTestServer upgrades incoming requests and runs a Conn per client.
func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn("conn-test", wsConn, handler, 20*time.Millisecond, 200*time.Millisecond)
		c.Run()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnEchoAndReliableSend(t *testing.T) {
	handler := &capturingHandler{}
	handler.onFrame = func(c *Conn, data []byte) {
		c.Send(data)
	}
	url := startTestServer(t, handler)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"name":"ping"}`)))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"name":"ping"}`, string(echoed))
	assert.Equal(t, 1, handler.frameCount())
}

func TestConnDisconnectCallback(t *testing.T) {
	handler := &capturingHandler{}
	url := startTestServer(t, handler)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.Eventually(t, handler.disconnected, time.Second, 5*time.Millisecond)
}

func TestConnHeartbeatMeasuresRTT(t *testing.T) {
	handler := &capturingHandler{}
	var mu sync.Mutex
	var server *Conn
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn("conn-test", wsConn, handler, 10*time.Millisecond, 500*time.Millisecond)
		mu.Lock()
		server = c
		mu.Unlock()
		c.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	// the default pong handler answers pings; the server side must measure
	// a round trip shortly after the first ping period
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if server == nil {
			return false
		}
		_, ok := server.RTT()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSendVolatileDropsOnOverflow(t *testing.T) {
	c := &Conn{
		ID:       "conn-a",
		send:     make(chan []byte, sendQueueSize),
		volatile: make(chan []byte, 2),
		done:     make(chan struct{}),
	}
	// no write pump running: the queue fills and overflow is dropped
	assert.True(t, c.SendVolatile([]byte("1")))
	assert.True(t, c.SendVolatile([]byte("2")))
	assert.False(t, c.SendVolatile([]byte("3")))
}
