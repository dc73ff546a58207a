package auth

import "time"

// User is an identity record. Roles carry their permissions when the user was
// loaded through UserStore.LoadGraph.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	IsSuperuser  bool       `json:"is_superuser"`
	IsDeleted    bool       `json:"-"`
	DeletedAt    *time.Time `json:"-"`
	Roles        []Role     `json:"roles,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Role groups permissions. Names are unique and case-significant.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Permission is an atomic resource:action capability.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SessionRecord is the cache-resident binding of an access token id to a user.
type SessionRecord struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// NewUser carries registration input. Password is plaintext and is hashed
// before it reaches the store.
type NewUser struct {
	Username    string
	Email       string
	Password    string
	IsSuperuser bool
}

type UserUpdate struct {
	Username     *string
	Email        *string
	IsActive     *bool
	PasswordHash *string
}

type RoleUpdate struct {
	Name        *string
	Description *string
}

// PermissionUpdate changes a permission. Resource and Action are derived from
// Name by RBACService and must stay consistent with it.
type PermissionUpdate struct {
	Name        *string
	Resource    *string
	Action      *string
	Description *string
}

// Page bounds list queries.
type Page struct {
	Offset int
	Limit  int
}

const defaultPageLimit = 100

func (p Page) normalized() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = defaultPageLimit
	}
	return p
}
