package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DegradePolicy decides what happens to a request when the session store
// cannot be reached.
type DegradePolicy int

const (
	// DegradeOpen accepts tokens on signature and expiry alone while the
	// session store is down. Revocations are not enforced in that window.
	DegradeOpen DegradePolicy = iota
	// FailClosed rejects every request with ErrDependencyUnavailable.
	FailClosed
)

func (p DegradePolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "degrade_open"
}

// ParseDegradePolicy accepts "degrade_open" or "fail_closed".
func ParseDegradePolicy(s string) (DegradePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "degrade_open", "open":
		return DegradeOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	default:
		return DegradeOpen, fmt.Errorf("%w: unknown degrade policy %q", ErrInvalidInput, s)
	}
}

const defaultLookupTimeout = 500 * time.Millisecond

// Resolver turns a bearer token into a Principal.
type Resolver struct {
	tokens        *TokenService
	sessions      SessionStore
	store         Store
	policy        DegradePolicy
	lookupTimeout time.Duration
	logger        *zap.Logger
	metrics       Metrics
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

func WithDegradePolicy(p DegradePolicy) ResolverOption {
	return func(r *Resolver) { r.policy = p }
}

// WithLookupTimeout bounds each session store lookup.
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithResolverMetrics(m Metrics) ResolverOption {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewResolver wires the token service, session cache and entity store. A nil
// sessions is treated as a permanently unreachable cache.
func NewResolver(tokens *TokenService, sessions SessionStore, store Store, opts ...ResolverOption) (*Resolver, error) {
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	r := &Resolver{
		tokens:        tokens,
		sessions:      sessions,
		store:         store,
		policy:        DegradeOpen,
		lookupTimeout: defaultLookupTimeout,
		logger:        zap.NewNop(),
		metrics:       NopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Policy returns the configured degradation policy.
func (r *Resolver) Policy() DegradePolicy { return r.policy }

// Authenticate verifies token, checks that its session is live and loads the
// subject's permission graph.
func (r *Resolver) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := r.tokens.VerifyAccess(token)
	if err != nil {
		r.metrics.TokenVerified(ResultInvalid)
		return Principal{}, err
	}

	degraded, err := r.checkSession(ctx, claims)
	if err != nil {
		r.metrics.TokenVerified(resultFor(err))
		return Principal{}, err
	}

	user, err := r.store.Users(ctx).LoadGraph(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, ErrResourceNotFound) {
			err = Unavailable("load user", err)
		}
		r.metrics.TokenVerified(resultFor(err))
		return Principal{}, err
	}
	if user.IsDeleted {
		r.metrics.TokenVerified(ResultInvalid)
		return Principal{}, fmt.Errorf("%w: user %s", ErrResourceNotFound, claims.Subject)
	}
	if !user.IsActive {
		r.metrics.TokenVerified(ResultInactive)
		return Principal{}, ErrInactiveUser
	}

	r.metrics.TokenVerified(ResultSuccess)
	principal := NewPrincipal(user)
	principal.SessionID = claims.SessionID()
	principal.Degraded = degraded
	return principal, nil
}

// checkSession reports degraded=true when the lookup was skipped under
// DegradeOpen.
func (r *Resolver) checkSession(ctx context.Context, claims *Claims) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Unavailable("session lookup", err)
	}
	var (
		rec *SessionRecord
		err error
	)
	if r.sessions == nil {
		err = Unavailable("session lookup", errors.New("session store not configured"))
	} else {
		lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		rec, err = r.sessions.Get(lookupCtx, claims.SessionID())
		cancel()
	}

	switch {
	case err == nil:
		if rec.UserID != claims.Subject {
			return false, fmt.Errorf("%w: session bound to another user", ErrInvalidToken)
		}
		return false, nil
	case errors.Is(err, ErrSessionNotFound):
		return false, fmt.Errorf("%w: session expired or invalid", ErrInvalidToken)
	}

	if r.policy == FailClosed {
		r.logger.Warn("session store unavailable, rejecting request",
			zap.String("session_id", claims.SessionID()),
			zap.Error(err),
		)
		return false, Unavailable("session lookup", err)
	}
	r.metrics.SessionDegraded()
	r.logger.Warn("session store unavailable, accepting token on signature and expiry only",
		zap.String("session_id", claims.SessionID()),
		zap.String("user_id", claims.Subject),
		zap.Error(err),
	)
	return true, nil
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, ErrDependencyUnavailable):
		return ResultUnavailable
	case errors.Is(err, ErrInactiveUser):
		return ResultInactive
	default:
		return ResultInvalid
	}
}
