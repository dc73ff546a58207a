package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/store/memory"
)

const secret = "0123456789abcdef0123456789abcdef"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type harness struct {
	clock    *clock
	store    *memory.Store
	sessions *memory.Sessions
	tokens   *auth.TokenService
	svc      *auth.Service
	rbac     *auth.RBACService
	resolver *auth.Resolver
}

func newHarness(t *testing.T, policy auth.DegradePolicy) *harness {
	t.Helper()
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	sessions := memory.NewSessions(c.Now)
	tokens, err := auth.NewTokenService(secret, auth.WithTokenClock(c.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc, err := auth.NewService(store, sessions, tokens,
		auth.WithClock(c.Now),
		auth.WithSessionPolicy(policy),
		auth.WithHasher(auth.NewHasher(auth.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1})),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	rbac, err := auth.NewRBACService(store)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	resolver, err := auth.NewResolver(tokens, sessions, store, auth.WithDegradePolicy(policy))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return &harness{clock: c, store: store, sessions: sessions, tokens: tokens, svc: svc, rbac: rbac, resolver: resolver}
}

func (h *harness) register(t *testing.T, username string) *auth.User {
	t.Helper()
	user, err := h.svc.Register(context.Background(), auth.NewUser{
		Username: username,
		Email:    username + "@example.com",
		Password: "s3cret-password",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return user
}

func (h *harness) login(t *testing.T, identifier string) auth.TokenPair {
	t.Helper()
	pair, err := h.svc.Login(context.Background(), identifier, "s3cret-password", auth.ClientInfo{Client: "test"})
	if err != nil {
		t.Fatalf("Login(%s): %v", identifier, err)
	}
	return pair
}

func (h *harness) count(t *testing.T, userID string) int {
	t.Helper()
	n, err := h.svc.SessionCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("SessionCount: %v", err)
	}
	return n
}

func TestLoginIssuesTokensAndSession(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")

	pair := h.login(t, "alice")
	if pair.Access.Token == "" || pair.Refresh.Token == "" {
		t.Fatalf("expected both tokens")
	}
	if got := pair.Access.ExpiresAt.Sub(pair.Access.IssuedAt); got != 30*time.Minute {
		t.Fatalf("access ttl = %v, want 30m", got)
	}
	if got := h.count(t, alice.ID); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}

	rec, err := h.sessions.Get(context.Background(), pair.Access.ID)
	if err != nil {
		t.Fatalf("session Get: %v", err)
	}
	if rec.UserID != alice.ID || rec.Metadata[auth.SessionMetaClient] != "test" {
		t.Fatalf("unexpected session record: %+v", rec)
	}
	if !rec.ExpiresAt.Equal(pair.Access.ExpiresAt) {
		t.Fatalf("session expiry %v differs from token expiry %v", rec.ExpiresAt, pair.Access.ExpiresAt)
	}

	p, err := h.resolver.Authenticate(context.Background(), pair.Access.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID() != alice.ID || p.SessionID != pair.Access.ID || p.Degraded {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestLoginByEmail(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	h.login(t, "ALICE@example.com")
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	ctx := context.Background()

	_, wrongPassword := h.svc.Login(ctx, "alice", "nope-nope-nope", auth.ClientInfo{})
	_, unknownUser := h.svc.Login(ctx, "mallory", "s3cret-password", auth.ClientInfo{})
	_, empty := h.svc.Login(ctx, "", "", auth.ClientInfo{})

	for name, err := range map[string]error{"wrong password": wrongPassword, "unknown user": unknownUser, "empty": empty} {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
		if auth.Describe(err) != auth.Describe(wrongPassword) {
			t.Fatalf("%s: failure envelope differs", name)
		}
	}
}

func TestLoginInactiveUser(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	if _, err := h.svc.SetActive(context.Background(), alice.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	_, err := h.svc.Login(context.Background(), "alice", "s3cret-password", auth.ClientInfo{})
	if !errors.Is(err, auth.ErrInactiveUser) {
		t.Fatalf("expected ErrInactiveUser, got %v", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")
	ctx := context.Background()

	p, err := h.resolver.Authenticate(ctx, pair.Access.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.svc.Logout(ctx, p); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := h.count(t, alice.ID); got != 0 {
		t.Fatalf("session count = %d, want 0", got)
	}
	if _, err := h.resolver.Authenticate(ctx, pair.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
	// Token signature and expiry are still fine on their own.
	if _, err := h.tokens.VerifyAccess(pair.Access.Token); err != nil {
		t.Fatalf("stateless verify should still pass: %v", err)
	}
	if err := h.svc.Logout(ctx, p); err != nil {
		t.Fatalf("second Logout should be idempotent: %v", err)
	}
}

func TestLogoutKeepsOtherSessions(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	first := h.login(t, "alice")
	second := h.login(t, "alice")
	ctx := context.Background()

	p, err := h.resolver.Authenticate(ctx, first.Access.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := h.svc.Logout(ctx, p); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	if _, err := h.resolver.Authenticate(ctx, first.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for logged out session, got %v", err)
	}
	other, err := h.resolver.Authenticate(ctx, second.Access.Token)
	if err != nil {
		t.Fatalf("second session must survive: %v", err)
	}
	if other.SessionID == p.SessionID {
		t.Fatalf("logins share session id %q", p.SessionID)
	}
	if got := h.count(t, alice.ID); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}
}

func TestSessionExpiryTracksTruncatedExp(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	h.clock.t = h.clock.t.Add(600 * time.Millisecond)
	pair := h.login(t, "alice")
	ctx := context.Background()

	h.clock.t = pair.Access.ExpiresAt.Add(-100 * time.Millisecond)
	if _, err := h.sessions.Get(ctx, pair.Access.ID); err != nil {
		t.Fatalf("session should be live before exp: %v", err)
	}
	h.clock.t = pair.Access.ExpiresAt
	if _, err := h.sessions.Get(ctx, pair.Access.ID); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("session must not outlive the token exp, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	a1 := h.login(t, "alice")
	a2 := h.login(t, "alice")
	b1 := h.login(t, "bob")

	if got := h.count(t, alice.ID); got != 2 {
		t.Fatalf("session count = %d, want 2", got)
	}
	n, err := h.svc.LogoutAll(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	if got := h.count(t, alice.ID); got != 0 {
		t.Fatalf("session count = %d, want 0", got)
	}
	for _, tok := range []string{a1.Access.Token, a2.Access.Token} {
		if _, err := h.resolver.Authenticate(context.Background(), tok); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected revoked token, got %v", err)
		}
	}
	if _, err := h.resolver.Authenticate(context.Background(), b1.Access.Token); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
	if got := h.count(t, bob.ID); got != 1 {
		t.Fatalf("bob session count = %d, want 1", got)
	}
}

func TestRefreshAddsSession(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")
	ctx := context.Background()

	access, err := h.svc.Refresh(ctx, pair.Refresh.Token, auth.ClientInfo{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access.ID == pair.Access.ID {
		t.Fatalf("refresh must open a new session")
	}
	if got := h.count(t, alice.ID); got != 2 {
		t.Fatalf("session count = %d, want 2", got)
	}
	for _, tok := range []string{pair.Access.Token, access.Token} {
		if _, err := h.resolver.Authenticate(ctx, tok); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}
	rec, err := h.sessions.Get(ctx, access.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata[auth.SessionMetaRefreshedFrom] == "" {
		t.Fatalf("expected refreshed_from metadata")
	}

	if _, err := h.svc.Refresh(ctx, pair.Access.Token, auth.ClientInfo{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")
	if _, err := h.svc.SetActive(context.Background(), alice.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := h.svc.Refresh(context.Background(), pair.Refresh.Token, auth.ClientInfo{}); !errors.Is(err, auth.ErrInactiveUser) {
		t.Fatalf("expected ErrInactiveUser, got %v", err)
	}
}

func TestSessionExpiresWithToken(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	pair := h.login(t, "alice")

	h.clock.t = h.clock.t.Add(30*time.Minute - time.Second)
	if _, err := h.resolver.Authenticate(context.Background(), pair.Access.Token); err != nil {
		t.Fatalf("Authenticate before expiry: %v", err)
	}
	h.clock.t = h.clock.t.Add(2 * time.Second)
	if _, err := h.resolver.Authenticate(context.Background(), pair.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
	if got := h.count(t, alice.ID); got != 0 {
		t.Fatalf("expired session still counted: %d", got)
	}
}

func TestResolverDegradesWhenCacheDown(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	pair := h.login(t, "alice")

	h.sessions.SetAvailable(false)
	p, err := h.resolver.Authenticate(context.Background(), pair.Access.Token)
	if err != nil {
		t.Fatalf("degrade-open must accept the token: %v", err)
	}
	if !p.Degraded {
		t.Fatalf("principal must be marked degraded")
	}
	info := h.svc.SessionInfo(context.Background(), p.UserID())
	if info.CacheAvailable || info.ActiveSessions != 0 {
		t.Fatalf("unexpected session info: %+v", info)
	}
}

func TestResolverFailClosed(t *testing.T) {
	h := newHarness(t, auth.FailClosed)
	h.register(t, "alice")
	pair := h.login(t, "alice")

	h.sessions.SetAvailable(false)
	if _, err := h.resolver.Authenticate(context.Background(), pair.Access.Token); !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
	if _, err := h.svc.Login(context.Background(), "alice", "s3cret-password", auth.ClientInfo{}); !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("fail-closed login must fail while cache is down, got %v", err)
	}
}

func TestLoginWhileCacheDownDegradeOpen(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	h.sessions.SetAvailable(false)
	pair := h.login(t, "alice")

	p, err := h.resolver.Authenticate(context.Background(), pair.Access.Token)
	if err != nil || !p.Degraded {
		t.Fatalf("expected degraded principal, got %+v %v", p, err)
	}
	h.sessions.SetAvailable(true)
	if _, err := h.resolver.Authenticate(context.Background(), pair.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("unrecorded session must fail once the cache is back, got %v", err)
	}
}

func TestResolverUserStates(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	a := h.login(t, "alice")
	b := h.login(t, "bob")

	// Deactivation revokes sessions, so reissue a token without going
	// through login to observe the inactive check itself.
	if _, err := h.svc.SetActive(ctx, alice.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := h.resolver.Authenticate(ctx, a.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("deactivation must revoke sessions, got %v", err)
	}
	tok, err := h.tokens.IssueAccessToken(alice.ID, "", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if err := h.sessions.Create(ctx, tok.ID, alice.ID, nil, time.Minute); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.resolver.Authenticate(ctx, tok.Token); !errors.Is(err, auth.ErrInactiveUser) {
		t.Fatalf("expected ErrInactiveUser, got %v", err)
	}

	if err := h.svc.DeleteUser(ctx, bob.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := h.resolver.Authenticate(ctx, b.Access.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("deletion must revoke sessions, got %v", err)
	}
	h.sessions.SetAvailable(false)
	if _, err := h.resolver.Authenticate(ctx, b.Access.Token); !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound for deleted user, got %v", err)
	}
}

func TestResolverRejectsForeignSession(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	tok, err := h.tokens.IssueAccessToken(bob.ID, "shared", time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if err := h.sessions.Create(ctx, "shared", alice.ID, nil, time.Minute); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.resolver.Authenticate(ctx, tok.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRegisterDuplicates(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	h.register(t, "alice")
	ctx := context.Background()
	_, err := h.svc.Register(ctx, auth.NewUser{Username: "alice", Email: "other@example.com", Password: "s3cret-password"})
	if !errors.Is(err, auth.ErrResourceAlreadyExists) {
		t.Fatalf("expected ErrResourceAlreadyExists for username, got %v", err)
	}
	_, err = h.svc.Register(ctx, auth.NewUser{Username: "alice2", Email: "Alice@Example.com", Password: "s3cret-password"})
	if !errors.Is(err, auth.ErrResourceAlreadyExists) {
		t.Fatalf("expected ErrResourceAlreadyExists for email, got %v", err)
	}
	_, err = h.svc.Register(ctx, auth.NewUser{Username: "carol", Email: "carol@example.com", Password: "short"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
	root, err := h.svc.Register(ctx, auth.NewUser{Username: "root", Email: "root@example.com", Password: "s3cret-password", IsSuperuser: true})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if root.IsSuperuser {
		t.Fatalf("registration must never create superusers")
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	alice := h.register(t, "alice")
	h.login(t, "alice")
	h.login(t, "alice")
	ctx := context.Background()

	if err := h.svc.ChangePassword(ctx, alice.ID, "wrong-password", "n3w-password"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.svc.ChangePassword(ctx, alice.ID, "s3cret-password", "n3w-password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if got := h.count(t, alice.ID); got != 0 {
		t.Fatalf("session count = %d, want 0", got)
	}
	if _, err := h.svc.Login(ctx, "alice", "s3cret-password", auth.ClientInfo{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "alice", "n3w-password", auth.ClientInfo{}); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestPermissionDenialScenario(t *testing.T) {
	h := newHarness(t, auth.DegradeOpen)
	ctx := context.Background()
	if err := h.rbac.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	alice := h.register(t, "alice")
	viewer, err := h.rbac.GetRoleByName(ctx, auth.RoleViewer)
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	if _, err := h.rbac.AssignRolesToUser(ctx, alice.ID, []string{viewer.ID}); err != nil {
		t.Fatalf("AssignRolesToUser: %v", err)
	}
	pair := h.login(t, "alice")
	p, err := h.resolver.Authenticate(ctx, pair.Access.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	authz := auth.NewAuthorizer()
	if err := authz.Require(p, "tasks:read"); err != nil {
		t.Fatalf("viewer should read tasks: %v", err)
	}
	if err := authz.Require(p, "tasks:delete"); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}
