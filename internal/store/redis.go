// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ensemble-live/baton/internal/session"
)

// Key layout of the durable backend. Every session-scoped key carries the
// session TTL, refreshed on mutation.
//
//	session:{sessionId}                  serialized session
//	session:{sessionId}:members          hash connectionId -> member
//	session:{sessionId}:leader_requests  hash connectionId -> request
//	connection:{connectionId}:session    reverse index
const (
	sessionKeyFmt  = "session:%s"
	membersKeyFmt  = "session:%s:members"
	requestsKeyFmt = "session:%s:leader_requests"
	connKeyFmt     = "connection:%s:session"

	sessionChannelFmt = "baton:session:%s:events"
	sessionScanMatch  = "session:*"

	opTimeout = 3 * time.Second
)

// RedisStore is the durable implementation of Store.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisOptions holds connection parameters for the durable backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL applied to every session-scoped key.
	TTL    time.Duration
	Logger zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapRedis("ping", err)
	}

	opts.Logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Dur("ttl", opts.TTL).
		Msg("connected to redis session store")

	return &RedisStore{client: client, ttl: opts.TTL, logger: opts.Logger}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func wrapRedis(op string, err error) error {
	return fmt.Errorf("redis %s: %w", op, errors.Join(ErrUnavailable, err))
}

func sessionKey(id string) string  { return fmt.Sprintf(sessionKeyFmt, id) }
func membersKey(id string) string  { return fmt.Sprintf(membersKeyFmt, id) }
func requestsKey(id string) string { return fmt.Sprintf(requestsKeyFmt, id) }
func connKey(id string) string     { return fmt.Sprintf(connKeyFmt, id) }

func (r *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// refreshTTL re-arms expiry on all keys belonging to a session.
func (r *RedisStore) refreshTTL(ctx context.Context, sessionID string) {
	if r.ttl <= 0 {
		return
	}
	pipe := r.client.Pipeline()
	pipe.Expire(ctx, sessionKey(sessionID), r.ttl)
	pipe.Expire(ctx, membersKey(sessionID), r.ttl)
	pipe.Expire(ctx, requestsKey(sessionID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("ttl refresh failed")
	}
}

// CreateSession stores a new session; duplicates are rejected.
func (r *RedisStore) CreateSession(ctx context.Context, s *session.Session) (*session.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return nil, wrapRedis("setnx session", err)
	}
	if !ok {
		return nil, ErrSessionExists
	}
	return s.Clone(), nil
}

// GetSession loads a session or returns ErrSessionNotFound.
func (r *RedisStore) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, wrapRedis("get session", err)
	}
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &s, nil
}

// UpdateSession applies a field-level patch, touches LastActiveAt and
// refreshes the TTL. The caller serializes updates per session.
func (r *RedisStore) UpdateSession(ctx context.Context, sessionID string, patch session.Patch) (*session.Session, error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	patch.Apply(s, time.Now())

	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(sessionID), data, r.ttl).Err(); err != nil {
		return nil, wrapRedis("set session", err)
	}
	r.refreshTTL(ctx, sessionID)
	return s, nil
}

// DeleteSession removes the session and its dependent keys.
func (r *RedisStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Del(ctx,
		sessionKey(sessionID), membersKey(sessionID), requestsKey(sessionID)).Result()
	if err != nil {
		return false, wrapRedis("del session", err)
	}
	return n > 0, nil
}

// ListSessions scans all session keys. The scan skips dependent keys by
// matching only bare session IDs.
func (r *RedisStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out []*session.Session
	iter := r.client.Scan(ctx, 0, sessionScanMatch, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// skip session:{id}:members and session:{id}:leader_requests
		if len(key) > len("session:") && containsColonAfter(key, len("session:")) {
			continue
		}
		data, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, wrapRedis("get session", err)
		}
		var s session.Session
		if err := json.Unmarshal(data, &s); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("skipping undecodable session")
			continue
		}
		out = append(out, &s)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis("scan sessions", err)
	}
	return out, nil
}

func containsColonAfter(s string, from int) bool {
	for i := from; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

// AddMember stores a member in the session's member hash.
func (r *RedisStore) AddMember(ctx context.Context, sessionID string, m *session.Member) (*session.Member, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	exists, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, wrapRedis("exists session", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal member: %w", err)
	}
	if err := r.client.HSet(ctx, membersKey(sessionID), m.ConnectionID, data).Err(); err != nil {
		return nil, wrapRedis("hset member", err)
	}
	r.refreshTTL(ctx, sessionID)
	return m.Clone(), nil
}

// RemoveMember deletes the member, returning the removed record.
func (r *RedisStore) RemoveMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error) {
	m, err := r.GetMember(ctx, sessionID, connectionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.HDel(ctx, membersKey(sessionID), connectionID).Err(); err != nil {
		return nil, wrapRedis("hdel member", err)
	}
	r.refreshTTL(ctx, sessionID)
	return m, nil
}

// GetMember loads one member or returns ErrMemberNotFound.
func (r *RedisStore) GetMember(ctx context.Context, sessionID, connectionID string) (*session.Member, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := r.client.HGet(ctx, membersKey(sessionID), connectionID).Bytes()
	if err == redis.Nil {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, wrapRedis("hget member", err)
	}
	var m session.Member
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal member: %w", err)
	}
	return &m, nil
}

// ListMembers returns all members of a session.
func (r *RedisStore) ListMembers(ctx context.Context, sessionID string) ([]*session.Member, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	raw, err := r.client.HGetAll(ctx, membersKey(sessionID)).Result()
	if err != nil {
		return nil, wrapRedis("hgetall members", err)
	}
	out := make([]*session.Member, 0, len(raw))
	for connID, data := range raw {
		var m session.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			r.logger.Warn().Err(err).Str("connection_id", connID).Msg("skipping undecodable member")
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// MemberCount returns the size of the member hash.
func (r *RedisStore) MemberCount(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.HLen(ctx, membersKey(sessionID)).Result()
	if err != nil {
		return 0, wrapRedis("hlen members", err)
	}
	return int(n), nil
}

// SetSessionByConnection writes the reverse index entry.
func (r *RedisStore) SetSessionByConnection(ctx context.Context, connectionID, sessionID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Set(ctx, connKey(connectionID), sessionID, r.ttl).Err(); err != nil {
		return wrapRedis("set connection index", err)
	}
	return nil
}

// GetSessionByConnection resolves a connection ID to its session ID, or "".
func (r *RedisStore) GetSessionByConnection(ctx context.Context, connectionID string) (string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	v, err := r.client.Get(ctx, connKey(connectionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", wrapRedis("get connection index", err)
	}
	return v, nil
}

// DeleteSessionByConnection drops the reverse index entry.
func (r *RedisStore) DeleteSessionByConnection(ctx context.Context, connectionID string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Del(ctx, connKey(connectionID)).Err(); err != nil {
		return wrapRedis("del connection index", err)
	}
	return nil
}

// AddLeaderRequest records a pending leadership request.
func (r *RedisStore) AddLeaderRequest(ctx context.Context, req *session.LeaderRequest) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	exists, err := r.client.Exists(ctx, sessionKey(req.SessionID)).Result()
	if err != nil {
		return wrapRedis("exists session", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal leader request: %w", err)
	}
	if err := r.client.HSet(ctx, requestsKey(req.SessionID), req.ConnectionID, data).Err(); err != nil {
		return wrapRedis("hset leader request", err)
	}
	r.refreshTTL(ctx, req.SessionID)
	return nil
}

// RemoveLeaderRequest deletes a pending request if present.
func (r *RedisStore) RemoveLeaderRequest(ctx context.Context, sessionID, connectionID string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.HDel(ctx, requestsKey(sessionID), connectionID).Result()
	if err != nil {
		return false, wrapRedis("hdel leader request", err)
	}
	return n > 0, nil
}

// ListLeaderRequests returns pending requests ordered by RequestedAt.
func (r *RedisStore) ListLeaderRequests(ctx context.Context, sessionID string) ([]*session.LeaderRequest, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	raw, err := r.client.HGetAll(ctx, requestsKey(sessionID)).Result()
	if err != nil {
		return nil, wrapRedis("hgetall leader requests", err)
	}
	out := make([]*session.LeaderRequest, 0, len(raw))
	for connID, data := range raw {
		var req session.LeaderRequest
		if err := json.Unmarshal([]byte(data), &req); err != nil {
			r.logger.Warn().Err(err).Str("connection_id", connID).Msg("skipping undecodable leader request")
			continue
		}
		out = append(out, &req)
	}
	sortLeaderRequests(out)
	return out, nil
}

func sortLeaderRequests(reqs []*session.LeaderRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].ConnectionID < reqs[j].ConnectionID
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}

// envelope is the pub/sub wire format.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PublishToSession fans an event out over the session's pub/sub channel.
func (r *RedisStore) PublishToSession(ctx context.Context, sessionID, event string, payload []byte) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	channel := fmt.Sprintf(sessionChannelFmt, sessionID)
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return wrapRedis("publish", err)
	}
	return nil
}

// SubscribeToSession subscribes to the session's channel and invokes the
// handler for every event until the returned cancel function is called.
func (r *RedisStore) SubscribeToSession(ctx context.Context, sessionID string, handler EventHandler) (func(), error) {
	channel := fmt.Sprintf(sessionChannelFmt, sessionID)
	pubsub := r.client.Subscribe(ctx, channel)

	// Confirm the subscription before returning so callers cannot miss
	// events published immediately after.
	confirmCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		_ = pubsub.Close()
		return nil, wrapRedis("subscribe", err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("undecodable pubsub message")
				continue
			}
			handler(env.Event, env.Payload)
		}
	}()

	return func() { _ = pubsub.Close() }, nil
}

// HealthCheck pings the backend.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapRedis("ping", err)
	}
	return nil
}

// Name identifies the backend in health and telemetry output.
func (r *RedisStore) Name() string { return "redis" }

// Close closes the client connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
