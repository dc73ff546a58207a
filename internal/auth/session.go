package auth

import (
	"context"
	"time"
)

// Metadata keys recorded on a session at creation.
const (
	SessionMetaLoginAt       = "login_at"
	SessionMetaClient        = "client"
	SessionMetaIP            = "ip"
	SessionMetaUserAgent     = "user_agent"
	SessionMetaRefreshedFrom = "refreshed_from"
)

// SessionStore is the cache that makes access tokens revocable. Transport
// failures and an unconfigured client are reported as ErrDependencyUnavailable.
type SessionStore interface {
	Create(ctx context.Context, id, userID string, metadata map[string]string, ttl time.Duration) error
	// Get returns ErrSessionNotFound when the session is absent or expired.
	Get(ctx context.Context, id string) (*SessionRecord, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
	CountForUser(ctx context.Context, userID string) (int, error)
	Extend(ctx context.Context, id string, ttl time.Duration) error
	Ping(ctx context.Context) error
}
