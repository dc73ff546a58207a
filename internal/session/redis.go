// Package session stores login sessions in Redis so that access tokens can
// be revoked before they expire.
//
// Layout:
//
//	session:{id}         JSON record, expires with the access token
//	user_sessions:{uid}  set of session ids, pruned of expired members on read
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/auth"
)

const (
	sessionPrefix   = "session:"
	userIndexPrefix = "user_sessions:"
)

var _ auth.SessionStore = (*Store)(nil)

var errNotConfigured = errors.New("redis client not configured")

// Store implements auth.SessionStore on Redis.
type Store struct {
	client redis.UniversalClient
	now    func() time.Time
	logger *zap.Logger
}

// Option configures Store behavior.
type Option func(*Store)

func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an existing client. A nil client yields a store that reports
// every call as unavailable.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses a redis:// URL and connects. An unreachable server is not an
// error here; calls fail with auth.ErrDependencyUnavailable until it is back.
func Open(ctx context.Context, rawURL string, opTimeout time.Duration, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opTimeout > 0 {
		options.DialTimeout = opTimeout
		options.ReadTimeout = opTimeout
		options.WriteTimeout = opTimeout
	}
	options.MaxRetries = 1
	s := New(redis.NewClient(options), opts...)
	if err := s.Ping(ctx); err != nil {
		s.logger.Warn("redis not reachable at startup, sessions degraded", zap.Error(err))
	}
	return s, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func sessionKey(id string) string    { return sessionPrefix + id }
func userIndexKey(uid string) string { return userIndexPrefix + uid }

func unavailable(op string, err error) error {
	return auth.Unavailable("redis "+op, err)
}

func (s *Store) Create(ctx context.Context, id, userID string, metadata map[string]string, ttl time.Duration) error {
	id, userID = strings.TrimSpace(id), strings.TrimSpace(userID)
	if id == "" || userID == "" {
		return fmt.Errorf("%w: session id and user id are required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", auth.ErrInvalidInput)
	}
	if s.client == nil {
		return unavailable("create", errNotConfigured)
	}
	now := s.now().UTC()
	rec := auth.SessionRecord{
		ID:        id,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	idx := userIndexKey(userID)
	var idxTTL *redis.DurationCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(id), payload, ttl)
		pipe.SAdd(ctx, idx, id)
		idxTTL = pipe.TTL(ctx, idx)
		return nil
	})
	if err != nil {
		return unavailable("create", err)
	}
	// The index lives as long as the longest session it holds.
	if cur := idxTTL.Val(); cur < ttl {
		if err := s.client.Expire(ctx, idx, ttl).Err(); err != nil {
			return unavailable("create", err)
		}
	}
	s.logger.Debug("session created", zap.String("session_id", id), zap.String("user_id", userID), zap.Duration("ttl", ttl))
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*auth.SessionRecord, error) {
	if s.client == nil {
		return nil, unavailable("get", errNotConfigured)
	}
	raw, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, auth.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var rec auth.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("dropping undecodable session", zap.String("session_id", id), zap.Error(err))
		_ = s.client.Del(ctx, sessionKey(id)).Err()
		return nil, auth.ErrSessionNotFound
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if s.client == nil {
		return unavailable("delete", errNotConfigured)
	}
	rec, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, auth.ErrSessionNotFound):
		return nil
	case err != nil:
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, userIndexKey(rec.UserID), id)
		return nil
	})
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// DeleteAllForUser removes every live session of userID. A session created
// after the index was read is not removed.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if s.client == nil {
		return 0, unavailable("delete all", errNotConfigured)
	}
	idx := userIndexKey(userID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, unavailable("delete all", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.SRem(ctx, idx, members...)
		return nil
	})
	if err != nil {
		return 0, unavailable("delete all", err)
	}
	return int(deleted.Val()), nil
}

func (s *Store) CountForUser(ctx context.Context, userID string) (int, error) {
	if s.client == nil {
		return 0, unavailable("count", errNotConfigured)
	}
	idx := userIndexKey(userID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, unavailable("count", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	checks := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			checks[i] = pipe.Exists(ctx, sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("count", err)
	}
	var (
		live  int
		stale []any
	)
	for i, cmd := range checks {
		if cmd.Val() > 0 {
			live++
			continue
		}
		stale = append(stale, ids[i])
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, idx, stale...).Err(); err != nil {
			s.logger.Debug("prune stale sessions failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return live, nil
}

// Extend pushes the expiry of a live session to now+ttl.
func (s *Store) Extend(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", auth.ErrInvalidInput)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.ExpiresAt = s.now().UTC().Add(ttl)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.client.SetXX(ctx, sessionKey(id), payload, ttl).Result()
	if err != nil {
		return unavailable("extend", err)
	}
	if !ok {
		return auth.ErrSessionNotFound
	}
	idx := userIndexKey(rec.UserID)
	if cur, err := s.client.TTL(ctx, idx).Result(); err == nil && cur < ttl {
		_ = s.client.Expire(ctx, idx, ttl).Err()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return unavailable("ping", errNotConfigured)
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
