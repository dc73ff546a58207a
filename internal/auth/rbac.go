package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	maxRoleNameLength       = 50
	maxPermissionNameLength = 100
	maxDescriptionLength    = 255
)

// RBACService manages users' role assignments and the role and permission
// catalogs. Callers are expected to have checked the actor's permissions and
// applied Authorizer.GuardSelfModification.
type RBACService struct {
	store  Store
	logger *zap.Logger
	audit  Auditor
}

// RBACOption configures RBACService behavior.
type RBACOption func(*RBACService)

func WithRBACLogger(l *zap.Logger) RBACOption {
	return func(s *RBACService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRBACAuditor(a Auditor) RBACOption {
	return func(s *RBACService) {
		if a != nil {
			s.audit = a
		}
	}
}

func NewRBACService(store Store, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &RBACService{store: store, logger: zap.NewNop(), audit: nopAuditor{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Users

func (s *RBACService) GetUser(ctx context.Context, userID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).LoadGraph(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsDeleted {
		return nil, fmt.Errorf("%w: user %s", ErrResourceNotFound, userID)
	}
	return user, nil
}

func (s *RBACService) ListUsers(ctx context.Context, page Page) ([]User, error) {
	return s.store.Users(ctx).List(ctx, page.normalized())
}

// UpdateUser changes username or email. Activation, passwords and deletion go
// through Service so that sessions are revoked.
func (s *RBACService) UpdateUser(ctx context.Context, userID string, upd UserUpdate) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if upd.IsActive != nil || upd.PasswordHash != nil {
		return nil, fmt.Errorf("%w: use the account operations to change status or password", ErrInvalidInput)
	}
	if upd.Username != nil {
		username, err := normalizeUsername(*upd.Username)
		if err != nil {
			return nil, err
		}
		upd.Username = &username
	}
	if upd.Email != nil {
		email, err := normalizeEmail(*upd.Email)
		if err != nil {
			return nil, err
		}
		upd.Email = &email
	}
	return s.store.Users(ctx).Update(ctx, userID, upd)
}

// AssignRolesToUser replaces the user's roles with roleIDs. Duplicates in
// roleIDs are ignored.
func (s *RBACService) AssignRolesToUser(ctx context.Context, userID string, roleIDs []string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	roleIDs = dedupeStrings(roleIDs)
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	for _, id := range roleIDs {
		if _, err := s.store.Roles(ctx).Find(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := s.store.Users(ctx).SetRoles(ctx, userID, roleIDs); err != nil {
		return nil, err
	}
	s.record(ctx, "rbac.user_roles_set", map[string]any{"user_id": userID, "role_ids": roleIDs})
	return s.store.Users(ctx).LoadGraph(ctx, userID)
}

// AddRoleToUser grants one role. Granting a held role is a no-op.
func (s *RBACService) AddRoleToUser(ctx context.Context, userID, roleID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return nil, err
	}
	if err := s.store.Users(ctx).AddRole(ctx, userID, roleID); err != nil {
		return nil, err
	}
	s.record(ctx, "rbac.user_role_added", map[string]any{"user_id": userID, "role_id": roleID})
	return s.store.Users(ctx).LoadGraph(ctx, userID)
}

func (s *RBACService) RemoveRoleFromUser(ctx context.Context, userID, roleID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.Users(ctx).RemoveRole(ctx, userID, roleID); err != nil {
		return nil, err
	}
	s.record(ctx, "rbac.user_role_removed", map[string]any{"user_id": userID, "role_id": roleID})
	return s.store.Users(ctx).LoadGraph(ctx, userID)
}

// UserPermissions returns the sorted permission closure of userID.
func (s *RBACService) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewPrincipal(user).Permissions(), nil
}

// Roles

func (s *RBACService) CreateRole(ctx context.Context, name, description string, permissionNames []string) (*Role, error) {
	name, err := validateRoleName(name)
	if err != nil {
		return nil, err
	}
	description, err = validateDescription(description)
	if err != nil {
		return nil, err
	}
	permIDs, err := s.resolvePermissions(ctx, permissionNames)
	if err != nil {
		return nil, err
	}
	role := &Role{Name: name, Description: description}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	if len(permIDs) > 0 {
		if err := s.store.Roles(ctx).SetPermissions(ctx, role.ID, permIDs); err != nil {
			return nil, err
		}
	}
	s.record(ctx, "rbac.role_created", map[string]any{"role_id": role.ID, "name": name})
	return s.store.Roles(ctx).Find(ctx, role.ID)
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).Find(ctx, roleID)
}

func (s *RBACService) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.Roles(ctx).FindByName(ctx, name)
}

func (s *RBACService) ListRoles(ctx context.Context, page Page) ([]Role, error) {
	return s.store.Roles(ctx).List(ctx, page.normalized())
}

func (s *RBACService) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name, err := validateRoleName(*upd.Name)
		if err != nil {
			return nil, err
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc, err := validateDescription(*upd.Description)
		if err != nil {
			return nil, err
		}
		upd.Description = &desc
	}
	return s.store.Roles(ctx).Update(ctx, roleID, upd)
}

// DeleteRole removes the role and detaches it from every user.
func (s *RBACService) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.Roles(ctx).Delete(ctx, roleID); err != nil {
		return err
	}
	s.record(ctx, "rbac.role_deleted", map[string]any{"role_id": roleID})
	return nil
}

// SetRolePermissions replaces the role's permissions.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissionNames []string) (*Role, error) {
	return s.mutateRolePermissions(ctx, roleID, permissionNames, "rbac.role_permissions_set", s.store.Roles(ctx).SetPermissions)
}

// AddPermissionsToRole grants permissions additively. Held permissions are
// skipped.
func (s *RBACService) AddPermissionsToRole(ctx context.Context, roleID string, permissionNames []string) (*Role, error) {
	return s.mutateRolePermissions(ctx, roleID, permissionNames, "rbac.role_permissions_added", s.store.Roles(ctx).AddPermissions)
}

func (s *RBACService) RemovePermissionsFromRole(ctx context.Context, roleID string, permissionNames []string) (*Role, error) {
	return s.mutateRolePermissions(ctx, roleID, permissionNames, "rbac.role_permissions_removed", s.store.Roles(ctx).RemovePermissions)
}

func (s *RBACService) mutateRolePermissions(
	ctx context.Context,
	roleID string,
	permissionNames []string,
	event string,
	apply func(context.Context, string, []string) error,
) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := s.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return nil, err
	}
	permIDs, err := s.resolvePermissions(ctx, permissionNames)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, roleID, permIDs); err != nil {
		return nil, err
	}
	s.record(ctx, event, map[string]any{"role_id": roleID, "permissions": dedupeStrings(permissionNames)})
	return s.store.Roles(ctx).Find(ctx, roleID)
}

// Permissions

// CreatePermission adds a catalog entry. resource and action may be empty, in
// which case they are derived from name; otherwise they must match it.
func (s *RBACService) CreatePermission(ctx context.Context, name, resource, action, description string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if len(name) > maxPermissionNameLength {
		return nil, fmt.Errorf("%w: permission name is too long", ErrInvalidInput)
	}
	res, act, err := ParsePermissionName(name)
	if err != nil {
		return nil, err
	}
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if (resource != "" && resource != res) || (action != "" && action != act) {
		return nil, fmt.Errorf("%w: resource and action must match the permission name", ErrInvalidInput)
	}
	description, err = validateDescription(description)
	if err != nil {
		return nil, err
	}
	perm := &Permission{Name: name, Resource: res, Action: act, Description: description}
	if err := s.store.Permissions(ctx).Create(ctx, perm); err != nil {
		return nil, err
	}
	s.record(ctx, "rbac.permission_created", map[string]any{"permission_id": perm.ID, "name": name})
	return perm, nil
}

func (s *RBACService) GetPermission(ctx context.Context, id string) (*Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).Find(ctx, id)
}

func (s *RBACService) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).FindByName(ctx, name)
}

func (s *RBACService) ListPermissions(ctx context.Context, page Page) ([]Permission, error) {
	return s.store.Permissions(ctx).List(ctx, page.normalized())
}

func (s *RBACService) ListPermissionsByResource(ctx context.Context, resource string) ([]Permission, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("%w: resource is required", ErrInvalidInput)
	}
	return s.store.Permissions(ctx).ListByResource(ctx, resource)
}

func (s *RBACService) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (*Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	upd.Resource, upd.Action = nil, nil
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if len(name) > maxPermissionNameLength {
			return nil, fmt.Errorf("%w: permission name is too long", ErrInvalidInput)
		}
		res, act, err := ParsePermissionName(name)
		if err != nil {
			return nil, err
		}
		upd.Name, upd.Resource, upd.Action = &name, &res, &act
	}
	if upd.Description != nil {
		desc, err := validateDescription(*upd.Description)
		if err != nil {
			return nil, err
		}
		upd.Description = &desc
	}
	return s.store.Permissions(ctx).Update(ctx, id, upd)
}

func (s *RBACService) DeletePermission(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if err := s.store.Permissions(ctx).Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "rbac.permission_deleted", map[string]any{"permission_id": id})
	return nil
}

// EnsureBuiltins creates the built-in permission catalog and the default
// roles. Existing roles keep their grants and receive any missing defaults.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	if err := s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions()); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, tmpl := range DefaultRoles() {
		role, err := s.store.Roles(ctx).FindByName(ctx, tmpl.Name)
		if errors.Is(err, ErrResourceNotFound) {
			role = &Role{Name: tmpl.Name, Description: tmpl.Description}
			err = s.store.Roles(ctx).Create(ctx, role)
		}
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", tmpl.Name, err)
		}
		permIDs, err := s.resolvePermissions(ctx, tmpl.Permissions)
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", tmpl.Name, err)
		}
		if err := s.store.Roles(ctx).AddPermissions(ctx, role.ID, permIDs); err != nil {
			return fmt.Errorf("ensure role %s: %w", tmpl.Name, err)
		}
		s.logger.Debug("default role ensured", zap.String("role", tmpl.Name), zap.Int("permissions", len(permIDs)))
	}
	return nil
}

func (s *RBACService) requireUser(ctx context.Context, userID string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsDeleted {
		return fmt.Errorf("%w: user %s", ErrResourceNotFound, userID)
	}
	return nil
}

func (s *RBACService) resolvePermissions(ctx context.Context, names []string) ([]string, error) {
	names = dedupeStrings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		perm, err := s.store.Permissions(ctx).FindByName(ctx, name)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return nil, fmt.Errorf("%w: permission %q", ErrResourceNotFound, name)
			}
			return nil, err
		}
		out = append(out, perm.ID)
	}
	return out, nil
}

func (s *RBACService) record(ctx context.Context, event string, fields map[string]any) {
	if err := s.audit.LogEvent(ctx, event, fields); err != nil {
		s.logger.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

func validateRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if len(name) > maxRoleNameLength {
		return "", fmt.Errorf("%w: role name is too long", ErrInvalidInput)
	}
	return name, nil
}

func validateDescription(desc string) (string, error) {
	desc = strings.TrimSpace(desc)
	if len(desc) > maxDescriptionLength {
		return "", fmt.Errorf("%w: description is too long", ErrInvalidInput)
	}
	return desc, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
