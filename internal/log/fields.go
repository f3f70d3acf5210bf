// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID    = "session_id"
	FieldConnectionID = "connection_id"
	FieldLeaderID     = "leader_id"
	FieldRequesterID  = "requester_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldErrorCode = "error_code"

	// Transport fields
	FieldTempoBPM   = "tempo_bpm"
	FieldPositionMS = "position_ms"
	FieldPlaying    = "is_playing"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Store fields
	FieldBackend = "backend"
	FieldKey     = "key"

	// Network fields
	FieldRemoteAddr = "remote_addr"
	FieldLatencyMS  = "latency_ms"
)
