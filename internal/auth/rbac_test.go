package auth_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/store/memory"
)

func newRBAC(t *testing.T) (*auth.RBACService, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := auth.NewRBACService(store)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	return svc, store
}

func seedUser(t *testing.T, store *memory.Store, username string) *auth.User {
	t.Helper()
	u := &auth.User{Username: username, Email: username + "@example.com", PasswordHash: "x", IsActive: true}
	if err := store.Users(context.Background()).Create(context.Background(), u); err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return u
}

func TestAddPermissionsToRoleIsIdempotent(t *testing.T) {
	svc, _ := newRBAC(t)
	ctx := context.Background()
	for _, name := range []string{"tasks:read", "tasks:update"} {
		if _, err := svc.CreatePermission(ctx, name, "", "", ""); err != nil {
			t.Fatalf("CreatePermission(%s): %v", name, err)
		}
	}
	role, err := svc.CreateRole(ctx, "editor", "", []string{"tasks:read"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	for i := 0; i < 2; i++ {
		role, err = svc.AddPermissionsToRole(ctx, role.ID, []string{"tasks:read", "tasks:update", "tasks:update"})
		if err != nil {
			t.Fatalf("AddPermissionsToRole #%d: %v", i, err)
		}
		if len(role.Permissions) != 2 {
			t.Fatalf("AddPermissionsToRole #%d: got %d permissions, want 2", i, len(role.Permissions))
		}
	}

	role, err = svc.SetRolePermissions(ctx, role.ID, []string{"tasks:update"})
	if err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if len(role.Permissions) != 1 || role.Permissions[0].Name != "tasks:update" {
		t.Fatalf("replace-all failed: %+v", role.Permissions)
	}

	if _, err := svc.AddPermissionsToRole(ctx, role.ID, []string{"users:delete"}); !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound for unknown permission, got %v", err)
	}
}

func TestAssignRolesToUserReplacesAll(t *testing.T) {
	svc, store := newRBAC(t)
	ctx := context.Background()
	user := seedUser(t, store, "alice")
	a, err := svc.CreateRole(ctx, "a", "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	b, err := svc.CreateRole(ctx, "b", "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	got, err := svc.AssignRolesToUser(ctx, user.ID, []string{a.ID, b.ID, a.ID})
	if err != nil {
		t.Fatalf("AssignRolesToUser: %v", err)
	}
	if len(got.Roles) != 2 {
		t.Fatalf("got %d roles, want 2", len(got.Roles))
	}
	got, err = svc.AssignRolesToUser(ctx, user.ID, []string{b.ID})
	if err != nil {
		t.Fatalf("AssignRolesToUser: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0].Name != "b" {
		t.Fatalf("replace-all failed: %+v", got.Roles)
	}

	for i := 0; i < 2; i++ {
		got, err = svc.AddRoleToUser(ctx, user.ID, a.ID)
		if err != nil {
			t.Fatalf("AddRoleToUser #%d: %v", i, err)
		}
		if len(got.Roles) != 2 {
			t.Fatalf("AddRoleToUser #%d: got %d roles, want 2", i, len(got.Roles))
		}
	}

	if _, err := svc.AssignRolesToUser(ctx, user.ID, []string{"missing"}); !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestDeleteRoleDetachesUsers(t *testing.T) {
	svc, store := newRBAC(t)
	ctx := context.Background()
	user := seedUser(t, store, "alice")
	if _, err := svc.CreatePermission(ctx, "tasks:read", "tasks", "read", "read tasks"); err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	role, err := svc.CreateRole(ctx, "reader", "", []string{"tasks:read"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := svc.AddRoleToUser(ctx, user.ID, role.ID); err != nil {
		t.Fatalf("AddRoleToUser: %v", err)
	}
	perms, err := svc.UserPermissions(ctx, user.ID)
	if err != nil {
		t.Fatalf("UserPermissions: %v", err)
	}
	if !reflect.DeepEqual(perms, []string{"tasks:read"}) {
		t.Fatalf("permissions = %v", perms)
	}

	if err := svc.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	got, err := svc.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("user must survive role deletion: %v", err)
	}
	if len(got.Roles) != 0 {
		t.Fatalf("role still attached: %+v", got.Roles)
	}
}

func TestCreatePermissionValidation(t *testing.T) {
	svc, _ := newRBAC(t)
	ctx := context.Background()
	if _, err := svc.CreatePermission(ctx, "tasks:read", "projects", "read", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected mismatch to be rejected, got %v", err)
	}
	if _, err := svc.CreatePermission(ctx, "tasks", "", "", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected malformed name to be rejected, got %v", err)
	}
	p, err := svc.CreatePermission(ctx, "tasks:read", "", "", "")
	if err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}
	if p.Resource != "tasks" || p.Action != "read" {
		t.Fatalf("resource/action not derived: %+v", p)
	}
	if _, err := svc.CreatePermission(ctx, "tasks:read", "", "", ""); !errors.Is(err, auth.ErrResourceAlreadyExists) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}

	name := "tasks:archive"
	updated, err := svc.UpdatePermission(ctx, p.ID, auth.PermissionUpdate{Name: &name})
	if err != nil {
		t.Fatalf("UpdatePermission: %v", err)
	}
	if updated.Action != "archive" || updated.Resource != "tasks" {
		t.Fatalf("resource/action not re-derived: %+v", updated)
	}
	byRes, err := svc.ListPermissionsByResource(ctx, "tasks")
	if err != nil || len(byRes) != 1 {
		t.Fatalf("ListPermissionsByResource = %v, %v", byRes, err)
	}
}

func TestEnsureBuiltinsIsIdempotent(t *testing.T) {
	svc, _ := newRBAC(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.EnsureBuiltins(ctx); err != nil {
			t.Fatalf("EnsureBuiltins #%d: %v", i, err)
		}
	}
	perms, err := svc.ListPermissions(ctx, auth.Page{Limit: 1000})
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != len(auth.BuiltinPermissions()) {
		t.Fatalf("got %d permissions, want %d", len(perms), len(auth.BuiltinPermissions()))
	}
	admin, err := svc.GetRoleByName(ctx, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	if len(admin.Permissions) != len(perms) {
		t.Fatalf("admin has %d permissions, want %d", len(admin.Permissions), len(perms))
	}
	roles, err := svc.ListRoles(ctx, auth.Page{})
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != len(auth.DefaultRoles()) {
		t.Fatalf("got %d roles, want %d", len(roles), len(auth.DefaultRoles()))
	}
}

func TestUpdateUserRejectsStatusChanges(t *testing.T) {
	svc, store := newRBAC(t)
	user := seedUser(t, store, "alice")
	active := false
	if _, err := svc.UpdateUser(context.Background(), user.ID, auth.UserUpdate{IsActive: &active}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	email := "ALICE.NEW@example.com"
	got, err := svc.UpdateUser(context.Background(), user.ID, auth.UserUpdate{Email: &email})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if got.Email != "alice.new@example.com" {
		t.Fatalf("email not normalized: %s", got.Email)
	}
}
