// SPDX-License-Identifier: MIT

package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ensemble-live/baton/internal/dispatch"
	"github.com/ensemble-live/baton/internal/log"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/telemetry"
	"github.com/ensemble-live/baton/internal/transport"
	"github.com/ensemble-live/baton/internal/ws"
)

// handlerTimeout bounds one event's store round trips.
const handlerTimeout = 5 * time.Second

// HandleMessage is the inbound pipeline: decode, validate, rate limit,
// dispatch. It runs on the connection's read pump goroutine.
func (c *Coordinator) HandleMessage(conn *ws.Conn, data []byte) {
	start := time.Now()

	msg, err := dispatch.DecodeMessage(data)
	if err != nil {
		c.sendError(conn, dispatch.NewValidationError(err))
		c.bus.ObserveEvent("malformed", "validation_error", time.Since(start))
		return
	}

	// the heartbeat RTT doubles as a latency sample
	if rtt, ok := conn.RTT(); ok {
		c.csync.Register(conn.ID).RecordRTT(rtt)
	}
	if msg.Name != dispatch.EvLatencyProbe && c.csync.NeedsProbe(conn.ID, start) {
		c.solicitProbes(conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	ctx = log.ContextWithConnectionID(ctx, conn.ID)

	err = c.dispatchEvent(ctx, conn, msg)
	result := "ok"
	if err != nil {
		wireErr := dispatch.FromDomain(err)
		result = wireErr.Code
		c.sendError(conn, wireErr)
	}
	c.bus.ObserveEvent(msg.Name, result, time.Since(start))
}

func (c *Coordinator) dispatchEvent(ctx context.Context, conn *ws.Conn, msg *dispatch.Message) error {
	// guard applies the per-connection rate limit after the payload has
	// passed validation, so malformed frames always answer with a
	// validation error.
	guard := func(next func() error) func() error {
		return func() error {
			if err := c.admit(conn, msg.Name); err != nil {
				return err
			}
			return next()
		}
	}

	switch msg.Name {
	case dispatch.EvJoinSession:
		var p dispatch.JoinPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleJoin(ctx, conn, &p) }))
	case dispatch.EvLeaveSession:
		var p dispatch.SessionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleLeave(ctx, conn, p.SessionID) }))
	case dispatch.EvSetRole:
		var p dispatch.SetRolePayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleSetRole(ctx, conn, &p) }))
	case dispatch.EvRequestLeader:
		var p dispatch.SessionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleRequestLeader(ctx, conn, p.SessionID) }))
	case dispatch.EvApproveLeaderRequest:
		var p dispatch.LeaderDecisionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleApprove(ctx, conn, &p) }))
	case dispatch.EvDenyLeaderRequest:
		var p dispatch.LeaderDecisionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleDeny(ctx, conn, &p) }))
	case dispatch.EvPlay, dispatch.EvPause, dispatch.EvStop:
		var p dispatch.SessionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleTransport(ctx, conn, msg.Name, p.SessionID, 0, 0) }))
	case dispatch.EvSeek:
		var p dispatch.SeekPayload
		return decodeThen(msg.Payload, &p, guard(func() error {
			return c.handleTransport(ctx, conn, msg.Name, p.SessionID, p.PositionMs, 0)
		}))
	case dispatch.EvSetTempo, dispatch.EvTempoChange:
		var p dispatch.TempoPayload
		return decodeThen(msg.Payload, &p, guard(func() error {
			return c.handleTransport(ctx, conn, dispatch.EvSetTempo, p.SessionID, 0, p.TempoBPM)
		}))
	case dispatch.EvUpdateMessage:
		var p dispatch.MessagePayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleUpdateMessage(ctx, conn, &p) }))
	case dispatch.EvSyncRequest:
		var p dispatch.SessionPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleSyncRequest(ctx, conn, p.SessionID) }))
	case dispatch.EvLatencyProbe:
		var p dispatch.LatencyProbePayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handleLatencyProbe(ctx, conn, &p) }))
	case dispatch.EvPositionSync:
		var p dispatch.PositionSyncPayload
		return decodeThen(msg.Payload, &p, guard(func() error { return c.handlePositionSync(ctx, conn, &p) }))
	default:
		return dispatch.NewValidationError(errUnknownEvent(msg.Name))
	}
}

// admit applies the per-connection rate limit. Persistent violators are
// disconnected after the configured number of over-limit bursts.
func (c *Coordinator) admit(conn *ws.Conn, event string) error {
	decision := c.limiter.ForConnection(conn.ID).Allow(event, time.Now())
	if decision.Allowed {
		return nil
	}
	c.bus.ObserveRateLimited(event)
	if decision.Disconnect {
		c.logger.Warn().
			Str(log.FieldConnectionID, conn.ID).
			Str(log.FieldEvent, event).
			Msg("disconnecting persistent rate limit violator")
		conn.Close()
	}
	return dispatch.NewRateLimitError(decision.RetryAfterMs)
}

type errUnknownEvent string

func (e errUnknownEvent) Error() string { return "unknown event " + string(e) }

// decodeThen unmarshals and validates a payload, then runs the handler.
func decodeThen[P interface{ Validate() error }](raw json.RawMessage, p P, next func() error) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return dispatch.NewValidationError(err)
	}
	if err := p.Validate(); err != nil {
		return dispatch.NewValidationError(err)
	}
	return next()
}

// HandleDisconnect cleans up after a dropped connection. Implicit leave
// runs the same path as an explicit leaveSession.
func (c *Coordinator) HandleDisconnect(conn *ws.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sessionID, err := c.registry.SessionForConnection(ctx, conn.ID)
	if err == nil && sessionID != "" {
		if err := c.handleLeave(ctx, conn, sessionID); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldConnectionID, conn.ID).
				Str(log.FieldSessionID, sessionID).
				Msg("disconnect cleanup failed")
		}
	}

	c.hub.Unregister(conn.ID)
	c.csync.Forget(conn.ID)
	c.limiter.Forget(conn.ID)
}

func (c *Coordinator) handleJoin(ctx context.Context, conn *ws.Conn, p *dispatch.JoinPayload) error {
	unlock := c.locks.Lock(p.SessionID)
	res, err := c.registry.Join(ctx, p.SessionID, conn.ID, p.DisplayName)
	if err != nil {
		unlock()
		return err
	}

	c.hub.Bind(conn.ID, p.SessionID)
	c.csync.Register(conn.ID)
	c.subscribeRelay(p.SessionID)

	snap, err := c.snapshot(ctx, p.SessionID)
	unlock()
	if err != nil {
		return err
	}
	c.sendTo(conn, dispatch.EvSnapshot, snap)

	c.broadcast(ctx, p.SessionID, dispatch.EvUserJoined, userJoinedPayload{
		Member:      res.Member,
		MemberCount: res.MemberCount,
		NewLeader:   leaderOrEmpty(res.BecameLeader, conn.ID),
	})
	c.broadcastRoomStats(ctx, res.Session, res.MemberCount)

	// joining with role "leader" is sugar for an immediate leader request
	if p.Role == string(session.RoleLeader) && !res.BecameLeader {
		return c.handleRequestLeader(ctx, conn, p.SessionID)
	}
	return nil
}

func (c *Coordinator) handleLeave(ctx context.Context, conn *ws.Conn, sessionID string) error {
	unlock := c.locks.Lock(sessionID)

	res, err := c.registry.Leave(ctx, sessionID, conn.ID)
	if err != nil {
		unlock()
		return err
	}
	c.hub.Unbind(conn.ID)

	var takeover *takeoverNotice
	if res.WasLeader {
		out, err := c.roles.HandleLeaderDisconnect(ctx, sessionID, conn.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("leader takeover failed")
		} else {
			takeover = &takeoverNotice{out.NewLeaderID, out.Canceled}
			if out.WasPlaying {
				c.engine.Release(sessionID)
			}
		}
	}
	if res.MemberCount == 0 {
		c.engine.Release(sessionID)
	}
	s, sErr := c.store.GetSession(ctx, sessionID)
	unlock()

	c.broadcast(ctx, sessionID, dispatch.EvUserLeft, userLeftPayload{
		ConnectionID: conn.ID,
		MemberCount:  res.MemberCount,
		NewLeader:    takeoverLeader(takeover),
	})
	if takeover != nil {
		if takeover.newLeaderID != "" {
			c.broadcast(ctx, sessionID, dispatch.EvLeaderAutoAssigned, leaderChangePayload{
				SessionID:        sessionID,
				NewLeaderID:      takeover.newLeaderID,
				PreviousLeaderID: conn.ID,
				Reason:           "previousLeaderDisconnected",
			})
		}
		for _, requesterID := range takeover.canceled {
			c.sendToConnection(requesterID, dispatch.EvLeaderReqDenied, decisionNotice{
				SessionID: sessionID,
				Reason:    "superseded",
			})
		}
	}
	if sErr == nil {
		c.broadcastRoomStats(ctx, s, res.MemberCount)
	}

	c.maybeUnsubscribeRelay(sessionID)
	return nil
}

func (c *Coordinator) handleSetRole(ctx context.Context, conn *ws.Conn, p *dispatch.SetRolePayload) error {
	if session.Role(p.Role) == session.RoleLeader {
		return c.handleRequestLeader(ctx, conn, p.SessionID)
	}

	// stepping down to follower; a no-op for members who already follow
	unlock := c.locks.Lock(p.SessionID)
	s, err := c.store.GetSession(ctx, p.SessionID)
	if err != nil {
		unlock()
		return err
	}
	if s.LeaderConnectionID != conn.ID {
		unlock()
		return nil
	}
	updated, err := c.roles.Relinquish(ctx, p.SessionID, conn.ID)
	unlock()
	if err != nil {
		return err
	}
	c.engine.Release(p.SessionID)
	c.broadcast(ctx, p.SessionID, dispatch.EvLeaderChanged, leaderChangePayload{
		SessionID:        p.SessionID,
		PreviousLeaderID: conn.ID,
		Reason:           "relinquished",
	})
	c.broadcastSync(ctx, updated)
	return nil
}

func (c *Coordinator) handleRequestLeader(ctx context.Context, conn *ws.Conn, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	out, err := c.roles.RequestLeader(ctx, sessionID, conn.ID)
	unlock()
	if err != nil {
		return err
	}

	if out.Assigned {
		c.broadcast(ctx, sessionID, dispatch.EvLeaderChanged, leaderChangePayload{
			SessionID:   sessionID,
			NewLeaderID: conn.ID,
			Reason:      "assigned",
		})
		return nil
	}

	c.sendToConnection(out.LeaderConnectionID, dispatch.EvLeaderHandoff, handoffPayload{
		SessionID:             sessionID,
		RequesterConnectionID: conn.ID,
		RequesterInfo:         out.Requester,
	})
	c.sendTo(conn, dispatch.EvLeaderRequestSent, decisionNotice{
		SessionID: sessionID,
		Message:   "request sent to the current leader",
	})
	return nil
}

func (c *Coordinator) handleApprove(ctx context.Context, conn *ws.Conn, p *dispatch.LeaderDecisionPayload) error {
	unlock := c.locks.Lock(p.SessionID)
	out, err := c.roles.Approve(ctx, p.SessionID, conn.ID, p.RequesterConnectionID)
	if err != nil {
		unlock()
		return err
	}
	if out.WasPlaying {
		c.engine.Release(p.SessionID)
	}
	unlock()

	c.sendToConnection(p.RequesterConnectionID, dispatch.EvLeaderReqApproved, decisionNotice{
		SessionID: p.SessionID,
		Message:   "you are now the leader",
	})
	for _, superseded := range out.Superseded {
		c.sendToConnection(superseded, dispatch.EvLeaderReqDenied, decisionNotice{
			SessionID: p.SessionID,
			Reason:    "superseded",
		})
	}
	c.broadcast(ctx, p.SessionID, dispatch.EvLeaderChanged, leaderChangePayload{
		SessionID:        p.SessionID,
		NewLeaderID:      out.NewLeaderID,
		PreviousLeaderID: out.PreviousLeaderID,
		Reason:           "approved",
	})
	c.broadcastSync(ctx, out.Session)
	return nil
}

func (c *Coordinator) handleDeny(ctx context.Context, conn *ws.Conn, p *dispatch.LeaderDecisionPayload) error {
	unlock := c.locks.Lock(p.SessionID)
	err := c.roles.Deny(ctx, p.SessionID, conn.ID, p.RequesterConnectionID)
	unlock()
	if err != nil {
		return err
	}
	c.sendToConnection(p.RequesterConnectionID, dispatch.EvLeaderReqDenied, decisionNotice{
		SessionID: p.SessionID,
		Reason:    "denied",
	})
	return nil
}

// handleTransport authorizes and applies one playback command.
func (c *Coordinator) handleTransport(ctx context.Context, conn *ws.Conn, event, sessionID string, positionMs int64, tempoBPM int) error {
	unlock := c.locks.Lock(sessionID)

	if err := c.requireLeader(ctx, sessionID, conn.ID); err != nil {
		unlock()
		return err
	}

	var (
		updated *session.Session
		err     error
	)
	switch event {
	case dispatch.EvPlay:
		updated, err = c.engine.Play(ctx, sessionID)
	case dispatch.EvPause:
		updated, err = c.engine.Pause(ctx, sessionID)
	case dispatch.EvStop:
		updated, err = c.engine.Stop(ctx, sessionID)
	case dispatch.EvSeek:
		updated, err = c.engine.Seek(ctx, sessionID, positionMs)
	case dispatch.EvSetTempo:
		updated, err = c.engine.SetTempo(ctx, sessionID, tempoBPM)
	}
	unlock()
	if err != nil {
		return err
	}

	c.broadcastSync(ctx, updated)
	return nil
}

func (c *Coordinator) handleUpdateMessage(ctx context.Context, conn *ws.Conn, p *dispatch.MessagePayload) error {
	unlock := c.locks.Lock(p.SessionID)
	defer unlock()

	if _, err := c.store.GetMember(ctx, p.SessionID, conn.ID); err != nil {
		return err
	}
	if _, err := c.store.UpdateSession(ctx, p.SessionID, session.Patch{
		Message: session.StringPtr(p.Message),
	}); err != nil {
		return err
	}

	snap, err := c.snapshot(ctx, p.SessionID)
	if err != nil {
		return err
	}
	c.broadcast(ctx, p.SessionID, dispatch.EvSnapshot, snap)
	return nil
}

func (c *Coordinator) handleSyncRequest(ctx context.Context, conn *ws.Conn, sessionID string) error {
	unlock := c.locks.Lock(sessionID)
	s, err := c.store.GetSession(ctx, sessionID)
	unlock()
	if err != nil {
		return err
	}
	c.sendTo(conn, dispatch.EvSyncResponse, syncPayload(s))
	return nil
}

func (c *Coordinator) handleLatencyProbe(ctx context.Context, conn *ws.Conn, p *dispatch.LatencyProbePayload) error {
	now := time.Now()
	serverTS := c.csync.HandleProbe(conn.ID, p.ClientTimestamp, now)

	c.sendTo(conn, dispatch.EvLatencyResponse, latencyResponsePayload{
		ClientTimestamp: p.ClientTimestamp,
		ServerTimestamp: serverTS,
	})

	// refresh the member's liveness and measured latency
	if p.SessionID != "" {
		unlock := c.locks.Lock(p.SessionID)
		defer unlock()
		member, err := c.store.GetMember(ctx, p.SessionID, conn.ID)
		if err != nil {
			return nil // probe is valid without membership
		}
		member.LastPingAt = now
		member.MeasuredLatencyMs = c.csync.MeasuredLatencyMs(conn.ID)
		if _, err := c.store.AddMember(ctx, p.SessionID, member); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldConnectionID, conn.ID).Msg("failed to refresh member latency")
		}
	}
	return nil
}

func (c *Coordinator) handlePositionSync(ctx context.Context, conn *ws.Conn, p *dispatch.PositionSyncPayload) error {
	unlock := c.locks.Lock(p.SessionID)
	s, err := c.store.GetSession(ctx, p.SessionID)
	unlock()
	if err != nil {
		return err
	}

	corr, drifted := c.csync.CheckDrift(conn.ID, s, p.PositionMs, p.ClientTimestamp, time.Now())
	if !drifted {
		return nil
	}
	telemetry.DriftCorrectionsTotal.Inc()
	c.sendTo(conn, dispatch.EvPositionCorrection, corr)
	return nil
}

// requireLeader rejects the event unless the caller leads the session. The
// error carries the caller's role and the sitting leader for the client UI.
func (c *Coordinator) requireLeader(ctx context.Context, sessionID, connectionID string) error {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.LeaderConnectionID == connectionID {
		return nil
	}
	current := session.RoleFollower
	if member, err := c.store.GetMember(ctx, sessionID, connectionID); err == nil {
		current = member.Role
	}
	return dispatch.NewRoleError(session.RoleLeader, current, s.LeaderConnectionID)
}

// snapshot assembles the full session view. Caller holds the session lock.
func (c *Coordinator) snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members, err := c.store.ListMembers(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.Snapshot{
		Session:         s,
		Members:         members,
		ServerTimestamp: time.Now().UnixMilli(),
	}, nil
}

// onTick relays one scroll tick; volatile, drops are acceptable.
func (c *Coordinator) onTick(snap transport.Snapshot) {
	c.broadcastVolatile(snap.SessionID, dispatch.EvScrollTick, snap)
}

// onBeat relays one metronome beat.
func (c *Coordinator) onBeat(sessionID string, beat, tempoBPM int) {
	c.broadcastVolatile(sessionID, dispatch.EvMetronomeBeat, beatPayload{
		SessionID:    sessionID,
		Beat:         beat,
		TempoBPM:     tempoBPM,
		ServerTimeMs: time.Now().UnixMilli(),
	})
}
