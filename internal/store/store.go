// SPDX-License-Identifier: MIT

// Package store provides the session store contract with a durable Redis
// implementation, an in-memory implementation, and a manager that migrates
// live state between them when the durable backend fails or recovers.
package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ensemble-live/baton/internal/session"
)

// Sentinel errors shared by all backends.
var (
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("store unavailable")
	// ErrSessionExists is returned by CreateSession for a duplicate ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when the session is absent.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMemberNotFound is returned when the member is absent.
	ErrMemberNotFound = errors.New("member not found")
)

// EventHandler receives pub/sub events for a session.
type EventHandler func(event string, payload []byte)

// Store is the abstract session store contract. All mutating operations
// refresh the session's TTL; callers serialize mutations of a single session
// through the coordinator's per-session lock.
type Store interface {
	CreateSession(ctx context.Context, s *session.Session) (*session.Session, error)
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	UpdateSession(ctx context.Context, sessionID string, patch session.Patch) (*session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)

	AddMember(ctx context.Context, sessionID string, m *session.Member) (*session.Member, error)
	RemoveMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error)
	GetMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error)
	ListMembers(ctx context.Context, sessionID string) ([]*session.Member, error)
	MemberCount(ctx context.Context, sessionID string) (int, error)

	SetSessionByConnection(ctx context.Context, connectionID, sessionID string) error
	GetSessionByConnection(ctx context.Context, connectionID string) (string, error)
	DeleteSessionByConnection(ctx context.Context, connectionID string) error

	AddLeaderRequest(ctx context.Context, req *session.LeaderRequest) error
	RemoveLeaderRequest(ctx context.Context, sessionID, connectionID string) (bool, error)
	ListLeaderRequests(ctx context.Context, sessionID string) ([]*session.LeaderRequest, error)

	// PublishToSession fans an event out to subscribers on other instances.
	// The in-memory backend implements this as a no-op; correctness must not
	// depend on it.
	PublishToSession(ctx context.Context, sessionID, event string, payload []byte) error
	// SubscribeToSession registers a handler for cross-instance events and
	// returns a cancel function.
	SubscribeToSession(ctx context.Context, sessionID string, handler EventHandler) (func(), error)

	HealthCheck(ctx context.Context) error
	Name() string
	Close() error
}

// IsConnectionLost classifies an error as loss of connectivity to the
// backend, which escalates to the manager for fallback. Validation and
// not-found errors never classify as connection loss.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"no route to host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is one of the absence sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrMemberNotFound)
}
