// SPDX-License-Identifier: MIT

// Package dispatch defines the wire protocol: message framing, event names,
// payload validation, the error taxonomy and per-connection rate limiting.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ensemble-live/baton/internal/session"
)

// Client → server events.
const (
	EvJoinSession          = "joinSession"
	EvLeaveSession         = "leaveSession"
	EvSetRole              = "setRole"
	EvRequestLeader        = "requestLeader"
	EvApproveLeaderRequest = "approveLeaderRequest"
	EvDenyLeaderRequest    = "denyLeaderRequest"
	EvPlay                 = "play"
	EvPause                = "pause"
	EvStop                 = "stop"
	EvSeek                 = "seek"
	EvSetTempo             = "setTempo"
	EvTempoChange          = "tempoChange" // legacy alias for setTempo
	EvUpdateMessage        = "updateMessage"
	EvSyncRequest          = "syncRequest"
	EvLatencyProbe         = "latencyProbe"
	EvPositionSync         = "positionSync"
)

// Server → client events.
const (
	EvSnapshot            = "snapshot"
	EvRoomStats           = "roomStats"
	EvUserJoined          = "userJoined"
	EvUserLeft            = "userLeft"
	EvLeaderChanged       = "leaderChanged"
	EvLeaderAutoAssigned  = "leaderAutoAssigned"
	EvLeaderHandoff       = "leaderHandoffRequest"
	EvLeaderRequestSent   = "leaderRequestSent"
	EvLeaderReqApproved   = "leaderRequestApproved"
	EvLeaderReqDenied     = "leaderRequestDenied"
	EvScrollTick          = "scrollTick"
	EvMetronomeBeat       = "metronomeBeat"
	EvSyncResponse        = "syncResponse"
	EvClockSyncRequest    = "clockSyncRequest"
	EvLatencyResponse     = "latencyResponse"
	EvPositionCorrection  = "positionCorrection"
	EvError               = "error"
)

// Message is the framing envelope for every frame in both directions.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode frames an outbound event.
func Encode(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return json.Marshal(Message{Name: name, Payload: raw})
}

// DecodeMessage parses an inbound frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("message frame missing event name")
	}
	return &m, nil
}

// Inbound payloads. Validate methods reject structurally invalid requests
// before any session state is touched.

// JoinPayload joins (and lazily creates) a session.
type JoinPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

func (p *JoinPayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if len(p.DisplayName) > 64 {
		return fmt.Errorf("displayName too long")
	}
	if p.Role != "" && !session.Role(p.Role).Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// SessionPayload is the common single-field payload.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

func (p *SessionPayload) Validate() error {
	return validSessionID(p.SessionID)
}

// SetRolePayload switches the caller's role. Requesting "leader" is sugar
// for requestLeader; "follower" relinquishes leadership.
type SetRolePayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

func (p *SetRolePayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if !session.Role(p.Role).Valid() {
		return fmt.Errorf("unknown role %q", p.Role)
	}
	return nil
}

// LeaderDecisionPayload approves or denies a pending leader request.
type LeaderDecisionPayload struct {
	SessionID             string `json:"sessionId"`
	RequesterConnectionID string `json:"requesterConnectionId"`
}

func (p *LeaderDecisionPayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if p.RequesterConnectionID == "" {
		return fmt.Errorf("requesterConnectionId is required")
	}
	return nil
}

// SeekPayload jumps to an absolute position.
type SeekPayload struct {
	SessionID  string `json:"sessionId"`
	PositionMs int64  `json:"positionMs"`
}

func (p *SeekPayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if p.PositionMs < 0 {
		return fmt.Errorf("positionMs must be >= 0")
	}
	return nil
}

// TempoPayload changes the session tempo.
type TempoPayload struct {
	SessionID string `json:"sessionId"`
	TempoBPM  int    `json:"tempoBpm"`
}

func (p *TempoPayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if p.TempoBPM < session.MinTempoBPM || p.TempoBPM > session.MaxTempoBPM {
		return fmt.Errorf("tempoBpm must be in [%d, %d]", session.MinTempoBPM, session.MaxTempoBPM)
	}
	return nil
}

// MessagePayload updates the session's shared status line.
type MessagePayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (p *MessagePayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if len(p.Message) > session.MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters", session.MaxMessageLen)
	}
	return nil
}

// LatencyProbePayload carries one clock-sync probe.
type LatencyProbePayload struct {
	SessionID       string `json:"sessionId,omitempty"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

func (p *LatencyProbePayload) Validate() error {
	if p.ClientTimestamp <= 0 {
		return fmt.Errorf("clientTimestamp is required")
	}
	return nil
}

// PositionSyncPayload reports the client's locally interpolated position.
type PositionSyncPayload struct {
	SessionID       string `json:"sessionId"`
	PositionMs      int64  `json:"positionMs"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

func (p *PositionSyncPayload) Validate() error {
	if err := validSessionID(p.SessionID); err != nil {
		return err
	}
	if p.PositionMs < 0 {
		return fmt.Errorf("positionMs must be >= 0")
	}
	if p.ClientTimestamp <= 0 {
		return fmt.Errorf("clientTimestamp is required")
	}
	return nil
}

const maxSessionIDLen = 128

func validSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("sessionId is required")
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("sessionId too long")
	}
	if strings.ContainsAny(id, " \t\n\r:") {
		return fmt.Errorf("sessionId contains invalid characters")
	}
	return nil
}
