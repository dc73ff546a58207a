// Package memory provides process-local implementations of the auth stores.
// They back the API in dev mode and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store keeps users, roles and permissions in maps guarded by one lock.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[string]auth.User
	roles     map[string]auth.Role
	perms     map[string]auth.Permission
	userRoles map[string]map[string]struct{}
	rolePerms map[string]map[string]struct{}
}

func New() *Store {
	return &Store{
		now:       time.Now,
		users:     make(map[string]auth.User),
		roles:     make(map[string]auth.Role),
		perms:     make(map[string]auth.Permission),
		userRoles: make(map[string]map[string]struct{}),
		rolePerms: make(map[string]map[string]struct{}),
	}
}

func (s *Store) Users(context.Context) auth.UserStore             { return users{s} }
func (s *Store) Roles(context.Context) auth.RoleStore             { return roles{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return permissions{s} }

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", auth.ErrResourceNotFound, kind, id)
}

func conflict(kind, field, value string) error {
	return fmt.Errorf("%w: %s with %s %q", auth.ErrResourceAlreadyExists, kind, field, value)
}

func paginate[T any](items []T, page auth.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

// Users

type users struct{ s *Store }

func (u users) Create(_ context.Context, user *auth.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.IsDeleted {
			continue
		}
		if existing.Username == user.Username {
			return conflict("user", "username", user.Username)
		}
		if strings.EqualFold(existing.Email, user.Email) {
			return conflict("user", "email", user.Email)
		}
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	now := s.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	stored := *user
	stored.Roles = nil
	s.users[user.ID] = stored
	return nil
}

func (u users) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &user, nil
}

func (u users) FindByIdentifier(_ context.Context, identifier string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if user.IsDeleted {
			continue
		}
		if user.Username == identifier || strings.EqualFold(user.Email, identifier) {
			out := user
			return &out, nil
		}
	}
	return nil, notFound("user", identifier)
}

func (u users) LoadGraph(_ context.Context, id string) (*auth.User, error) {
	s := u.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	user.Roles = make([]auth.Role, 0, len(s.userRoles[id]))
	for roleID := range s.userRoles[id] {
		user.Roles = append(user.Roles, s.roleWithPermissions(roleID))
	}
	sort.Slice(user.Roles, func(i, j int) bool { return user.Roles[i].Name < user.Roles[j].Name })
	return &user, nil
}

func (u users) List(_ context.Context, page auth.Page) ([]auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	out := make([]auth.User, 0, len(u.s.users))
	for _, user := range u.s.users {
		if !user.IsDeleted {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return paginate(out, page), nil
}

func (u users) Update(_ context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.IsDeleted {
		return nil, notFound("user", id)
	}
	for otherID, other := range s.users {
		if otherID == id || other.IsDeleted {
			continue
		}
		if upd.Username != nil && other.Username == *upd.Username {
			return nil, conflict("user", "username", *upd.Username)
		}
		if upd.Email != nil && strings.EqualFold(other.Email, *upd.Email) {
			return nil, conflict("user", "email", *upd.Email)
		}
	}
	if upd.Username != nil {
		user.Username = *upd.Username
	}
	if upd.Email != nil {
		user.Email = *upd.Email
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}
	if upd.PasswordHash != nil {
		user.PasswordHash = *upd.PasswordHash
	}
	user.UpdatedAt = s.now().UTC()
	s.users[id] = user
	return &user, nil
}

func (u users) SoftDelete(_ context.Context, id string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok || user.IsDeleted {
		return notFound("user", id)
	}
	now := s.now().UTC()
	user.IsDeleted = true
	user.IsActive = false
	user.DeletedAt = &now
	user.UpdatedAt = now
	s.users[id] = user
	return nil
}

func (u users) SetRoles(_ context.Context, userID string, roleIDs []string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return notFound("user", userID)
	}
	set := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return notFound("role", id)
		}
		set[id] = struct{}{}
	}
	s.userRoles[userID] = set
	return nil
}

func (u users) AddRole(_ context.Context, userID, roleID string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return notFound("user", userID)
	}
	if _, ok := s.roles[roleID]; !ok {
		return notFound("role", roleID)
	}
	if s.userRoles[userID] == nil {
		s.userRoles[userID] = make(map[string]struct{})
	}
	s.userRoles[userID][roleID] = struct{}{}
	return nil
}

func (u users) RemoveRole(_ context.Context, userID, roleID string) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return notFound("user", userID)
	}
	delete(s.userRoles[userID], roleID)
	return nil
}

// Roles

type roles struct{ s *Store }

// roleWithPermissions must be called with the lock held.
func (s *Store) roleWithPermissions(id string) auth.Role {
	role := s.roles[id]
	role.Permissions = make([]auth.Permission, 0, len(s.rolePerms[id]))
	for permID := range s.rolePerms[id] {
		role.Permissions = append(role.Permissions, s.perms[permID])
	}
	sort.Slice(role.Permissions, func(i, j int) bool { return role.Permissions[i].Name < role.Permissions[j].Name })
	return role
}

func (r roles) Create(_ context.Context, role *auth.Role) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == role.Name {
			return conflict("role", "name", role.Name)
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	stored := *role
	stored.Permissions = nil
	s.roles[role.ID] = stored
	return nil
}

func (r roles) Find(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if _, ok := r.s.roles[id]; !ok {
		return nil, notFound("role", id)
	}
	role := r.s.roleWithPermissions(id)
	return &role, nil
}

func (r roles) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for id, role := range r.s.roles {
		if role.Name == name {
			out := r.s.roleWithPermissions(id)
			return &out, nil
		}
	}
	return nil, notFound("role", name)
}

func (r roles) List(_ context.Context, page auth.Page) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]auth.Role, 0, len(r.s.roles))
	for id := range r.s.roles {
		out = append(out, r.s.roleWithPermissions(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), nil
}

func (r roles) Update(_ context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, notFound("role", id)
	}
	if upd.Name != nil {
		for otherID, other := range s.roles {
			if otherID != id && other.Name == *upd.Name {
				return nil, conflict("role", "name", *upd.Name)
			}
		}
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = s.now().UTC()
	s.roles[id] = role
	out := s.roleWithPermissions(id)
	return &out, nil
}

func (r roles) Delete(_ context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return notFound("role", id)
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	for _, set := range s.userRoles {
		delete(set, id)
	}
	return nil
}

func (r roles) SetPermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.permissionSet(roleID, permissionIDs)
	if err != nil {
		return err
	}
	s.rolePerms[roleID] = set
	return nil
}

func (r roles) AddPermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.permissionSet(roleID, permissionIDs)
	if err != nil {
		return err
	}
	if s.rolePerms[roleID] == nil {
		s.rolePerms[roleID] = make(map[string]struct{})
	}
	for id := range set {
		s.rolePerms[roleID][id] = struct{}{}
	}
	return nil
}

func (r roles) RemovePermissions(_ context.Context, roleID string, permissionIDs []string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return notFound("role", roleID)
	}
	for _, id := range permissionIDs {
		delete(s.rolePerms[roleID], id)
	}
	return nil
}

func (s *Store) permissionSet(roleID string, permissionIDs []string) (map[string]struct{}, error) {
	if _, ok := s.roles[roleID]; !ok {
		return nil, notFound("role", roleID)
	}
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := s.perms[id]; !ok {
			return nil, notFound("permission", id)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

// Permissions

type permissions struct{ s *Store }

func (p permissions) Create(_ context.Context, perm *auth.Permission) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPermission(perm)
}

func (s *Store) insertPermission(perm *auth.Permission) error {
	for _, existing := range s.perms {
		if existing.Name == perm.Name {
			return conflict("permission", "name", perm.Name)
		}
	}
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	now := s.now().UTC()
	perm.CreatedAt, perm.UpdatedAt = now, now
	s.perms[perm.ID] = *perm
	return nil
}

func (p permissions) Find(_ context.Context, id string) (*auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	perm, ok := p.s.perms[id]
	if !ok {
		return nil, notFound("permission", id)
	}
	return &perm, nil
}

func (p permissions) FindByName(_ context.Context, name string) (*auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	for _, perm := range p.s.perms {
		if perm.Name == name {
			out := perm
			return &out, nil
		}
	}
	return nil, notFound("permission", name)
}

func (p permissions) List(_ context.Context, page auth.Page) ([]auth.Permission, error) {
	return p.filtered(func(auth.Permission) bool { return true }, page), nil
}

func (p permissions) ListByResource(_ context.Context, resource string) ([]auth.Permission, error) {
	return p.filtered(func(perm auth.Permission) bool { return perm.Resource == resource }, auth.Page{}), nil
}

func (p permissions) filtered(keep func(auth.Permission) bool, page auth.Page) []auth.Permission {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(p.s.perms))
	for _, perm := range p.s.perms {
		if keep(perm) {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page)
}

func (p permissions) Update(_ context.Context, id string, upd auth.PermissionUpdate) (*auth.Permission, error) {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	perm, ok := s.perms[id]
	if !ok {
		return nil, notFound("permission", id)
	}
	if upd.Name != nil {
		for otherID, other := range s.perms {
			if otherID != id && other.Name == *upd.Name {
				return nil, conflict("permission", "name", *upd.Name)
			}
		}
		perm.Name = *upd.Name
	}
	if upd.Resource != nil {
		perm.Resource = *upd.Resource
	}
	if upd.Action != nil {
		perm.Action = *upd.Action
	}
	if upd.Description != nil {
		perm.Description = *upd.Description
	}
	perm.UpdatedAt = s.now().UTC()
	s.perms[id] = perm
	return &perm, nil
}

func (p permissions) Delete(_ context.Context, id string) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.perms[id]; !ok {
		return notFound("permission", id)
	}
	delete(s.perms, id)
	for _, set := range s.rolePerms {
		delete(set, id)
	}
	return nil
}

func (p permissions) Ensure(_ context.Context, perms []auth.Permission) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := make(map[string]struct{}, len(s.perms))
	for _, perm := range s.perms {
		existing[perm.Name] = struct{}{}
	}
	for _, perm := range perms {
		if _, ok := existing[perm.Name]; ok {
			continue
		}
		perm.ID = ""
		if err := s.insertPermission(&perm); err != nil {
			return err
		}
		existing[perm.Name] = struct{}{}
	}
	return nil
}
