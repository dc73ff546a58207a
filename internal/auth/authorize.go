package auth

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Principal represents a user with resolved roles and permissions. The sets
// are computed once and never mutated, so a Principal may be shared freely
// within a request.
type Principal struct {
	User      *User
	SessionID string
	// Degraded is set when the session check was skipped because the
	// session store could not be reached.
	Degraded bool

	roles       map[string]struct{}
	permissions map[string]struct{}
}

// NewPrincipal computes the permission closure of user from its loaded roles.
func NewPrincipal(user *User) Principal {
	p := Principal{
		User:        user,
		roles:       make(map[string]struct{}),
		permissions: make(map[string]struct{}),
	}
	if user == nil {
		return p
	}
	for _, role := range user.Roles {
		p.roles[role.Name] = struct{}{}
		for _, perm := range role.Permissions {
			p.permissions[perm.Name] = struct{}{}
		}
	}
	return p
}

// UserID returns the subject id or an empty string for a zero principal.
func (p Principal) UserID() string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

// IsSuperuser reports whether every check is bypassed for this principal.
func (p Principal) IsSuperuser() bool {
	return p.User != nil && p.User.IsSuperuser
}

// HasPermission reports whether the principal can execute the action named
// name. Names match exactly; there is no wildcard expansion.
func (p Principal) HasPermission(name string) bool {
	if p.IsSuperuser() {
		return true
	}
	_, ok := p.permissions[name]
	return ok
}

// HasAnyPermission is true when at least one of names is held.
func (p Principal) HasAnyPermission(names ...string) bool {
	if p.IsSuperuser() {
		return true
	}
	for _, name := range names {
		if _, ok := p.permissions[name]; ok {
			return true
		}
	}
	return false
}

// HasAllPermissions is true when every one of names is held. An empty list
// is trivially satisfied.
func (p Principal) HasAllPermissions(names ...string) bool {
	if p.IsSuperuser() {
		return true
	}
	for _, name := range names {
		if _, ok := p.permissions[name]; !ok {
			return false
		}
	}
	return true
}

// HasRole reports role membership. Superusers hold every role.
func (p Principal) HasRole(name string) bool {
	if p.IsSuperuser() {
		return true
	}
	_, ok := p.roles[name]
	return ok
}

// Permissions returns the sorted permission closure.
func (p Principal) Permissions() []string {
	return sortedKeys(p.permissions)
}

// Roles returns the sorted role names.
func (p Principal) Roles() []string {
	return sortedKeys(p.roles)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FeatureGate reports whether a named feature is enabled.
type FeatureGate func(feature string) bool

// AllFeatures enables everything.
func AllFeatures(string) bool { return true }

// DisabledFeatures returns a gate that turns off the listed features.
func DisabledFeatures(disabled ...string) FeatureGate {
	set := make(map[string]struct{}, len(disabled))
	for _, f := range disabled {
		f = strings.TrimSpace(f)
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return func(feature string) bool {
		_, off := set[feature]
		return !off
	}
}

// Authorizer is the decision point consulted by the request layer. Every
// denial is ErrPermissionDenied.
type Authorizer struct {
	features FeatureGate
	metrics  Metrics
	logger   *zap.Logger
}

// AuthorizerOption configures Authorizer behavior.
type AuthorizerOption func(*Authorizer)

func WithFeatureGate(gate FeatureGate) AuthorizerOption {
	return func(a *Authorizer) {
		if gate != nil {
			a.features = gate
		}
	}
}

func WithAuthorizerMetrics(m Metrics) AuthorizerOption {
	return func(a *Authorizer) {
		if m != nil {
			a.metrics = m
		}
	}
}

func WithAuthorizerLogger(l *zap.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAuthorizer(opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{features: AllFeatures, metrics: NopMetrics{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Require fails unless p holds perm.
func (a *Authorizer) Require(p Principal, perm string) error {
	return a.decide(p, p.HasPermission(perm), "permission", perm)
}

// RequireAny fails unless p holds at least one of perms.
func (a *Authorizer) RequireAny(p Principal, perms ...string) error {
	return a.decide(p, p.HasAnyPermission(perms...), "any_permission", strings.Join(perms, ","))
}

// RequireAll fails unless p holds every one of perms.
func (a *Authorizer) RequireAll(p Principal, perms ...string) error {
	return a.decide(p, p.HasAllPermissions(perms...), "all_permissions", strings.Join(perms, ","))
}

// RequireRole fails unless p holds role.
func (a *Authorizer) RequireRole(p Principal, role string) error {
	return a.decide(p, p.HasRole(role), "role", role)
}

// RequireSuperuser fails unless p is a superuser.
func (a *Authorizer) RequireSuperuser(p Principal) error {
	return a.decide(p, p.IsSuperuser(), "superuser", "")
}

// RequireFeature fails when the gate reports feature as disabled. Superusers
// are not exempt.
func (a *Authorizer) RequireFeature(feature string) error {
	if a.features(feature) {
		return nil
	}
	a.metrics.PermissionChecked(ResultDenied)
	return fmt.Errorf("%w: feature %q is disabled", ErrPermissionDenied, feature)
}

// GuardSelfModification blocks operations on one's own account: deactivation,
// deletion and changes to the account's role set.
func (a *Authorizer) GuardSelfModification(actor Principal, targetUserID string) error {
	if actor.UserID() != "" && actor.UserID() == strings.TrimSpace(targetUserID) {
		a.metrics.PermissionChecked(ResultDenied)
		return fmt.Errorf("%w: cannot perform this operation on your own account", ErrPermissionDenied)
	}
	return nil
}

// GuardOwnRole blocks changes to the permission set of a role the actor is
// assigned. Membership is checked directly; the superuser bypass does not apply.
func (a *Authorizer) GuardOwnRole(actor Principal, roleName string) error {
	if _, ok := actor.roles[roleName]; ok {
		a.metrics.PermissionChecked(ResultDenied)
		return fmt.Errorf("%w: cannot modify the permissions of a role you hold", ErrPermissionDenied)
	}
	return nil
}

func (a *Authorizer) decide(p Principal, allowed bool, kind, subject string) error {
	if allowed {
		a.metrics.PermissionChecked(ResultAllowed)
		return nil
	}
	a.metrics.PermissionChecked(ResultDenied)
	a.logger.Debug("authorization denied",
		zap.String("user_id", p.UserID()),
		zap.String("check", kind),
		zap.String("subject", subject),
	)
	return fmt.Errorf("%w: missing %s %s", ErrPermissionDenied, kind, subject)
}
