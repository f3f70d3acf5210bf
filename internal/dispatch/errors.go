// SPDX-License-Identifier: MIT

package dispatch

import (
	"errors"
	"fmt"

	"github.com/ensemble-live/baton/internal/registry"
	"github.com/ensemble-live/baton/internal/roles"
	"github.com/ensemble-live/baton/internal/session"
	"github.com/ensemble-live/baton/internal/store"
	"github.com/ensemble-live/baton/internal/transport"
)

// Wire error codes.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionFull       = "SESSION_FULL"
	CodeMemberNotFound    = "MEMBER_NOT_FOUND"
	CodeInsufficientRole  = "INSUFFICIENT_ROLE"
	CodeNoPendingRequest  = "NO_PENDING_REQUEST"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL"
)

// Error is the wire-level error sent back to the offending client.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	RequiredRole  session.Role `json:"requiredRole,omitempty"`
	CurrentRole   session.Role `json:"currentRole,omitempty"`
	CurrentLeader string       `json:"currentLeader,omitempty"`
	// RetryAfterMs accompanies RATE_LIMIT_EXCEEDED.
	RetryAfterMs int64 `json:"retryAfter,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError wraps a payload validation failure.
func NewValidationError(err error) *Error {
	return &Error{Code: CodeValidation, Message: err.Error()}
}

// NewRoleError rejects an event for lack of the required role.
func NewRoleError(required, current session.Role, currentLeader string) *Error {
	return &Error{
		Code:          CodeInsufficientRole,
		Message:       fmt.Sprintf("event requires role %q", required),
		RequiredRole:  required,
		CurrentRole:   current,
		CurrentLeader: currentLeader,
	}
}

// NewRateLimitError rejects an over-limit event.
func NewRateLimitError(retryAfterMs int64) *Error {
	return &Error{
		Code:         CodeRateLimitExceeded,
		Message:      "rate limit exceeded",
		RetryAfterMs: retryAfterMs,
	}
}

// FromDomain maps a domain error to its wire form. Anything unrecognised
// becomes INTERNAL with a generic message so internals never leak.
func FromDomain(err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return &Error{Code: CodeSessionNotFound, Message: "session not found"}
	case errors.Is(err, store.ErrMemberNotFound):
		return &Error{Code: CodeMemberNotFound, Message: "member not found"}
	case errors.Is(err, registry.ErrSessionFull):
		return &Error{Code: CodeSessionFull, Message: "session is full"}
	case errors.Is(err, roles.ErrNotLeader):
		return &Error{
			Code:         CodeInsufficientRole,
			Message:      "only the session leader may do that",
			RequiredRole: session.RoleLeader,
		}
	case errors.Is(err, roles.ErrNoPendingRequest):
		return &Error{Code: CodeNoPendingRequest, Message: "no pending leader request"}
	case errors.Is(err, transport.ErrInvalidTempo),
		errors.Is(err, transport.ErrInvalidPosition):
		return &Error{Code: CodeValidation, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: "internal error"}
	}
}
