package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	minPasswordLength = 8
	maxPasswordLength = 100
	minUsernameLength = 3
	maxUsernameLength = 100
)

// Auditor records security-relevant events. internal/audit implements it.
type Auditor interface {
	LogEvent(ctx context.Context, event string, fields map[string]any) error
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, string, map[string]any) error { return nil }

// Service orchestrates the session lifecycle: login, logout, refresh and
// logout-all, plus the account operations that must revoke sessions.
type Service struct {
	store    Store
	sessions SessionStore
	tokens   *TokenService
	hasher   *Hasher

	accessTTL  time.Duration
	refreshTTL time.Duration
	policy     DegradePolicy
	now        func() time.Time

	logger  *zap.Logger
	metrics Metrics
	audit   Auditor
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token and session lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("auth: access ttl must be positive, got %s", ttl)
		}
		s.accessTTL = ttl
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl <= 0 {
			return fmt.Errorf("auth: refresh ttl must be positive, got %s", ttl)
		}
		s.refreshTTL = ttl
		return nil
	}
}

// WithSessionPolicy selects how login reacts when a session cannot be written.
func WithSessionPolicy(p DegradePolicy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithHasher(h *Hasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.metrics = m
		}
		return nil
	}
}

func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.audit = a
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, sessions SessionStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:      store,
		sessions:   sessions,
		tokens:     tokens,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		policy:     DegradeOpen,
		now:        time.Now,
		logger:     zap.NewNop(),
		metrics:    NopMetrics{},
		audit:      nopAuditor{},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewHasher(DefaultHashParams)
	}
	return svc, nil
}

// Hasher exposes the credential hasher used by the service.
func (s *Service) Hasher() *Hasher { return s.hasher }

// AccessTTL returns the access token and session lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// ClientInfo describes where a login or refresh came from.
type ClientInfo struct {
	Client    string
	IP        string
	UserAgent string
}

// TokenPair is the result of a successful login.
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
	User    *User
}

// Login verifies credentials, opens a session and issues an access/refresh
// pair. identifier may be a username or an email address.
func (s *Service) Login(ctx context.Context, identifier, password string, client ClientInfo) (TokenPair, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		s.hasher.Verify(password, "")
		s.metrics.LoginAttempt(ResultFailure)
		return TokenPair{}, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByIdentifier(ctx, identifier)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		s.hasher.Verify(password, "")
		s.loginFailed(ctx, identifier, "unknown user")
		return TokenPair{}, ErrInvalidCredentials
	case err != nil:
		s.metrics.LoginAttempt(ResultUnavailable)
		return TokenPair{}, Unavailable("find user", err)
	}
	if user.IsDeleted {
		s.hasher.Verify(password, "")
		s.loginFailed(ctx, identifier, "deleted user")
		return TokenPair{}, ErrInvalidCredentials
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		s.loginFailed(ctx, identifier, "wrong password")
		return TokenPair{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.metrics.LoginAttempt(ResultInactive)
		s.logger.Info("login refused for inactive user", zap.String("user_id", user.ID))
		return TokenPair{}, ErrInactiveUser
	}

	meta := client.metadata()
	meta[SessionMetaLoginAt] = s.now().UTC().Format(time.RFC3339)
	access, err := s.openSession(ctx, user.ID, meta)
	if err != nil {
		s.metrics.LoginAttempt(ResultUnavailable)
		return TokenPair{}, err
	}
	refresh, err := s.tokens.IssueRefreshToken(user.ID, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user.ID, password)
	}

	s.metrics.LoginAttempt(ResultSuccess)
	s.logger.Info("user logged in", zap.String("user_id", user.ID), zap.String("session_id", access.ID))
	s.record(ctx, "auth.login", map[string]any{"user_id": user.ID, "session_id": access.ID, "ip": client.IP})
	return TokenPair{Access: access, Refresh: refresh, User: user}, nil
}

// Refresh exchanges a refresh token for a new access token bound to a new
// session. Earlier sessions stay valid until they expire or are revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (IssuedToken, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return IssuedToken{}, err
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	switch {
	case errors.Is(err, ErrResourceNotFound):
		return IssuedToken{}, fmt.Errorf("%w: subject no longer exists", ErrInvalidToken)
	case err != nil:
		return IssuedToken{}, Unavailable("find user", err)
	}
	if user.IsDeleted {
		return IssuedToken{}, fmt.Errorf("%w: subject no longer exists", ErrInvalidToken)
	}
	if !user.IsActive {
		return IssuedToken{}, ErrInactiveUser
	}

	meta := client.metadata()
	meta[SessionMetaLoginAt] = s.now().UTC().Format(time.RFC3339)
	meta[SessionMetaRefreshedFrom] = claims.ID
	access, err := s.openSession(ctx, user.ID, meta)
	if err != nil {
		return IssuedToken{}, err
	}
	s.record(ctx, "auth.refresh", map[string]any{"user_id": user.ID, "session_id": access.ID})
	return access, nil
}

// Logout deletes the principal's current session. Deleting an already
// missing session succeeds.
func (s *Service) Logout(ctx context.Context, p Principal) error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: no session bound to principal", ErrInvalidToken)
	}
	if s.sessions == nil {
		return Unavailable("delete session", errors.New("session store not configured"))
	}
	if err := s.sessions.Delete(ctx, p.SessionID); err != nil {
		return Unavailable("delete session", err)
	}
	s.logger.Info("user logged out", zap.String("user_id", p.UserID()), zap.String("session_id", p.SessionID))
	s.record(ctx, "auth.logout", map[string]any{"user_id": p.UserID(), "session_id": p.SessionID})
	return nil
}

// LogoutAll deletes every session of userID and returns how many were
// removed. Sessions created concurrently with the call may survive it.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if s.sessions == nil {
		return 0, Unavailable("delete sessions", errors.New("session store not configured"))
	}
	n, err := s.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, Unavailable("delete sessions", err)
	}
	s.logger.Info("user sessions revoked", zap.String("user_id", userID), zap.Int("count", n))
	s.record(ctx, "auth.logout_all", map[string]any{"user_id": userID, "sessions_deleted": n})
	return n, nil
}

// SessionCount returns the number of live sessions for userID.
func (s *Service) SessionCount(ctx context.Context, userID string) (int, error) {
	if s.sessions == nil {
		return 0, Unavailable("count sessions", errors.New("session store not configured"))
	}
	n, err := s.sessions.CountForUser(ctx, userID)
	if err != nil {
		return 0, Unavailable("count sessions", err)
	}
	return n, nil
}

// SessionInfo summarizes the session cache from one user's point of view.
type SessionInfo struct {
	ActiveSessions int  `json:"active_sessions"`
	CacheAvailable bool `json:"cache_available"`
}

// SessionInfo reports the active session count. An unreachable cache is
// reported in the result instead of as an error.
func (s *Service) SessionInfo(ctx context.Context, userID string) SessionInfo {
	n, err := s.SessionCount(ctx, userID)
	if err != nil {
		s.logger.Warn("session count unavailable", zap.String("user_id", userID), zap.Error(err))
		return SessionInfo{}
	}
	return SessionInfo{ActiveSessions: n, CacheAvailable: true}
}

// Register creates an active, non-superuser account.
func (s *Service) Register(ctx context.Context, in NewUser) (*User, error) {
	in.IsSuperuser = false
	return s.CreateUser(ctx, in)
}

// CreateUser validates input, hashes the password and stores the user.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  in.IsSuperuser,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.Bool("superuser", user.IsSuperuser))
	s.record(ctx, "user.created", map[string]any{"user_id": user.ID, "username": user.Username})
	return user, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every session of the user.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsDeleted {
		return fmt.Errorf("%w: user %s", ErrResourceNotFound, userID)
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return fmt.Errorf("%w: current password is incorrect", ErrInvalidCredentials)
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if _, err := s.store.Users(ctx).Update(ctx, userID, UserUpdate{PasswordHash: &hash}); err != nil {
		return err
	}
	s.revokeAll(ctx, userID, "password changed")
	s.record(ctx, "user.password_changed", map[string]any{"user_id": userID})
	return nil
}

// SetActive toggles the active flag. Deactivation revokes all sessions.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).Update(ctx, userID, UserUpdate{IsActive: &active})
	if err != nil {
		return nil, err
	}
	if !active {
		s.revokeAll(ctx, userID, "user deactivated")
	}
	s.record(ctx, "user.active_changed", map[string]any{"user_id": userID, "active": active})
	return user, nil
}

// DeleteUser soft-deletes the user and revokes all of its sessions.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if err := s.store.Users(ctx).SoftDelete(ctx, userID); err != nil {
		return err
	}
	s.revokeAll(ctx, userID, "user deleted")
	s.record(ctx, "user.deleted", map[string]any{"user_id": userID})
	return nil
}

// openSession issues an access token and registers its session with a TTL
// equal to the token lifetime.
func (s *Service) openSession(ctx context.Context, userID string, meta map[string]string) (IssuedToken, error) {
	access, err := s.tokens.IssueAccessToken(userID, "", s.accessTTL)
	if err != nil {
		return IssuedToken{}, err
	}
	var werr error
	if s.sessions == nil {
		werr = errors.New("session store not configured")
	} else {
		// exp is truncated to the second, so measure from the wall clock.
		ttl := access.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		werr = s.sessions.Create(ctx, access.ID, userID, meta, ttl)
	}
	if werr == nil {
		return access, nil
	}
	if s.policy == FailClosed {
		return IssuedToken{}, Unavailable("create session", werr)
	}
	s.metrics.SessionDegraded()
	s.logger.Warn("session not recorded, token valid on signature only while cache is down",
		zap.String("user_id", userID),
		zap.String("session_id", access.ID),
		zap.Error(werr),
	)
	return access, nil
}

func (s *Service) revokeAll(ctx context.Context, userID, reason string) {
	if s.sessions == nil {
		return
	}
	n, err := s.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("session revocation failed", zap.String("user_id", userID), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Info("sessions revoked", zap.String("user_id", userID), zap.String("reason", reason), zap.Int("count", n))
}

func (s *Service) rehash(ctx context.Context, userID, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return
	}
	if _, err := s.store.Users(ctx).Update(ctx, userID, UserUpdate{PasswordHash: &hash}); err != nil {
		s.logger.Warn("password rehash failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) loginFailed(ctx context.Context, identifier, reason string) {
	s.metrics.LoginAttempt(ResultFailure)
	s.logger.Info("login failed", zap.String("identifier", identifier), zap.String("reason", reason))
	s.record(ctx, "auth.login_failed", map[string]any{"identifier": identifier})
}

func (s *Service) record(ctx context.Context, event string, fields map[string]any) {
	if err := s.audit.LogEvent(ctx, event, fields); err != nil {
		s.logger.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

func (c ClientInfo) metadata() map[string]string {
	meta := make(map[string]string, 5)
	if v := strings.TrimSpace(c.Client); v != "" {
		meta[SessionMetaClient] = v
	}
	if v := strings.TrimSpace(c.IP); v != "" {
		meta[SessionMetaIP] = v
	}
	if v := strings.TrimSpace(c.UserAgent); v != "" {
		meta[SessionMetaUserAgent] = v
	}
	return meta
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return "", fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	if strings.ContainsAny(username, " \t\r\n@") {
		return "", fmt.Errorf("%w: username must not contain whitespace or @", ErrInvalidInput)
	}
	return username, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidInput, minPasswordLength, maxPasswordLength)
	}
	return nil
}
