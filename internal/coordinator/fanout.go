// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ensemble-live/baton/internal/dispatch"
	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/ws"
)

// Outbound payload shapes not owned by another package.

type userJoinedPayload struct {
	Member      *session.Member `json:"member"`
	MemberCount int             `json:"memberCount"`
	NewLeader   string          `json:"newLeader,omitempty"`
}

type userLeftPayload struct {
	ConnectionID string `json:"connectionId"`
	MemberCount  int    `json:"memberCount"`
	NewLeader    string `json:"newLeader,omitempty"`
}

type leaderChangePayload struct {
	SessionID        string `json:"sessionId"`
	NewLeaderID      string `json:"newLeaderConnectionId,omitempty"`
	PreviousLeaderID string `json:"previousLeaderConnectionId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type handoffPayload struct {
	SessionID             string          `json:"sessionId"`
	RequesterConnectionID string          `json:"requesterConnectionId"`
	RequesterInfo         *session.Member `json:"requesterInfo"`
}

type decisionNotice struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type roomStatsPayload struct {
	SessionID   string `json:"sessionId"`
	MemberCount int    `json:"memberCount"`
	IsPlaying   bool   `json:"isPlaying"`
	Leader      string `json:"leader,omitempty"`
}

type syncResponsePayload struct {
	SessionID       string `json:"sessionId"`
	PositionMs      int64  `json:"positionMs"`
	TempoBPM        int    `json:"tempoBpm"`
	IsPlaying       bool   `json:"isPlaying"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type latencyResponsePayload struct {
	ClientTimestamp int64 `json:"clientTimestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type clockSyncRequestPayload struct {
	ProbeCount      int   `json:"probeCount"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type beatPayload struct {
	SessionID    string `json:"sessionId"`
	Beat         int    `json:"beat"`
	TempoBPM     int    `json:"tempoBpm"`
	ServerTimeMs int64  `json:"serverTimestamp"`
}

func syncPayload(s *session.Session) syncResponsePayload {
	return syncResponsePayload{
		SessionID:       s.ID,
		PositionMs:      s.PositionMs,
		TempoBPM:        s.TempoBPM,
		IsPlaying:       s.IsPlaying,
		ServerTimestamp: time.Now().UnixMilli(),
	}
}

type takeoverNotice struct {
	newLeaderID string
	canceled    []string
}

func takeoverLeader(t *takeoverNotice) string {
	if t == nil {
		return ""
	}
	return t.newLeaderID
}

func leaderOrEmpty(becameLeader bool, connectionID string) string {
	if becameLeader {
		return connectionID
	}
	return ""
}

// solicitProbes asks a client to run a clock-sync exchange.
func (c *Coordinator) solicitProbes(conn *ws.Conn) {
	c.sendTo(conn, dispatch.EvClockSyncRequest, clockSyncRequestPayload{
		ProbeCount:      c.csync.ProbeCount(),
		ServerTimestamp: time.Now().UnixMilli(),
	})
}

// sendTo queues one reliable frame on a live connection.
func (c *Coordinator) sendTo(conn *ws.Conn, event string, payload any) {
	data, err := dispatch.Encode(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode failed")
		return
	}
	conn.Send(data)
}

// sendToConnection resolves a connection ID; cross-instance recipients are
// reached via the relay instead.
func (c *Coordinator) sendToConnection(connectionID, event string, payload any) {
	conn, ok := c.hub.Conn(connectionID)
	if !ok {
		return
	}
	c.sendTo(conn, event, payload)
}

func (c *Coordinator) sendError(conn *ws.Conn, wireErr *dispatch.Error) {
	c.sendTo(conn, dispatch.EvError, wireErr)
}

// broadcast fans a reliable event out to all local members, closest peers
// first, and relays it to other instances.
func (c *Coordinator) broadcast(ctx context.Context, sessionID, event string, payload any) {
	data, err := dispatch.Encode(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode failed")
		return
	}
	for _, conn := range c.orderedConns(sessionID) {
		conn.Send(data)
	}
	c.relay(ctx, sessionID, event, payload)
}

// broadcastVolatile fans a best-effort event out to all local members and
// relays it. Called from the tick loop: the relay must not block, so it
// runs detached with its own deadline.
func (c *Coordinator) broadcastVolatile(sessionID, event string, payload any) {
	data, err := dispatch.Encode(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldEvent, event).Msg("encode failed")
		return
	}
	for _, conn := range c.orderedConns(sessionID) {
		if !conn.SendVolatile(data) {
			c.bus.ObserveVolatileDrop(event)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.relay(ctx, sessionID, event, payload)
	}()
}

// broadcastSync pushes the authoritative transport state to all members:
// the compact syncResponse plus a full snapshot carrying the member list.
func (c *Coordinator) broadcastSync(ctx context.Context, s *session.Session) {
	c.broadcast(ctx, s.ID, dispatch.EvSyncResponse, syncPayload(s))

	members, err := c.store.ListMembers(ctx, s.ID)
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, s.ID).Msg("snapshot broadcast skipped")
		return
	}
	c.broadcast(ctx, s.ID, dispatch.EvSnapshot, &session.Snapshot{
		Session:         s,
		Members:         members,
		ServerTimestamp: time.Now().UnixMilli(),
	})
}

func (c *Coordinator) broadcastRoomStats(ctx context.Context, s *session.Session, memberCount int) {
	c.broadcast(ctx, s.ID, dispatch.EvRoomStats, roomStatsPayload{
		SessionID:   s.ID,
		MemberCount: memberCount,
		IsPlaying:   s.IsPlaying,
		Leader:      s.LeaderConnectionID,
	})
}

// orderedConns snapshots a session's local connections sorted by ascending
// measured latency.
func (c *Coordinator) orderedConns(sessionID string) []*ws.Conn {
	conns := c.hub.SessionConns(sessionID)
	if len(conns) < 2 {
		return conns
	}
	byID := make(map[string]*ws.Conn, len(conns))
	ids := make([]string, len(conns))
	for i, conn := range conns {
		byID[conn.ID] = conn
		ids[i] = conn.ID
	}
	ordered := make([]*ws.Conn, 0, len(conns))
	for _, id := range c.csync.OrderByLatency(ids) {
		ordered = append(ordered, byID[id])
	}
	return ordered
}

// relayFrame is the cross-instance pub/sub envelope. Origin lets an
// instance skip its own publications.
type relayFrame struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// relay publishes an event for members connected to other instances.
func (c *Coordinator) relay(ctx context.Context, sessionID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(relayFrame{Origin: c.instanceID, Payload: raw})
	if err != nil {
		return
	}
	if err := c.store.PublishToSession(ctx, sessionID, event, frame); err != nil {
		c.logger.Debug().Err(err).
			Str(log.FieldSessionID, sessionID).
			Str(log.FieldEvent, event).
			Msg("relay publish failed")
	}
}

// subscribeRelay starts consuming cross-instance events for a session. One
// subscription per session regardless of how many local members it has.
func (c *Coordinator) subscribeRelay(sessionID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[sessionID]; ok {
		return
	}
	unsub, err := c.store.SubscribeToSession(context.Background(), sessionID, func(event string, payload []byte) {
		c.handleRelayed(sessionID, event, payload)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("relay subscribe failed")
		return
	}
	c.subs[sessionID] = unsub
}

// maybeUnsubscribeRelay drops the subscription once the session has no
// local connections left.
func (c *Coordinator) maybeUnsubscribeRelay(sessionID string) {
	if len(c.hub.SessionConns(sessionID)) > 0 {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if unsub, ok := c.subs[sessionID]; ok {
		unsub()
		delete(c.subs, sessionID)
	}
}

// handleRelayed fans a relayed event out to local members only; relayed
// frames are never republished.
func (c *Coordinator) handleRelayed(sessionID, event string, payload []byte) {
	var frame relayFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}
	if frame.Origin == c.instanceID {
		return
	}
	data, err := dispatch.Encode(event, frame.Payload)
	if err != nil {
		return
	}
	volatile := event == dispatch.EvScrollTick || event == dispatch.EvMetronomeBeat
	for _, conn := range c.orderedConns(sessionID) {
		if volatile {
			if !conn.SendVolatile(data) {
				c.bus.ObserveVolatileDrop(event)
			}
			continue
		}
		conn.Send(data)
	}
}
