package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
// Implementations report missing rows as ErrResourceNotFound, uniqueness
// violations as ErrResourceAlreadyExists and infrastructure failures as
// ErrDependencyUnavailable.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages users and their role assignments.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	// Find returns soft-deleted users too; callers check IsDeleted.
	Find(ctx context.Context, id string) (*User, error)
	// FindByIdentifier matches a username exactly or an email case-insensitively.
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	// LoadGraph returns the user with Roles and their Permissions populated
	// in a single round trip.
	LoadGraph(ctx context.Context, id string) (*User, error)
	List(ctx context.Context, page Page) ([]User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	SoftDelete(ctx context.Context, id string) error

	// SetRoles replaces the user's assignments with roleIDs.
	SetRoles(ctx context.Context, userID string, roleIDs []string) error
	// AddRole is a no-op when the assignment already exists.
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// RoleStore manages roles and their permission grants.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	// Find and FindByName populate Permissions.
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context, page Page) ([]Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	// Delete detaches the role from every user. Users are never removed.
	Delete(ctx context.Context, id string) error

	SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error
	// AddPermissions skips grants that already exist.
	AddPermissions(ctx context.Context, roleID string, permissionIDs []string) error
	RemovePermissions(ctx context.Context, roleID string, permissionIDs []string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	FindByName(ctx context.Context, name string) (*Permission, error)
	List(ctx context.Context, page Page) ([]Permission, error)
	ListByResource(ctx context.Context, resource string) ([]Permission, error)
	Update(ctx context.Context, id string, upd PermissionUpdate) (*Permission, error)
	Delete(ctx context.Context, id string) error
	// Ensure inserts any permission whose name is not present yet.
	Ensure(ctx context.Context, perms []Permission) error
}
