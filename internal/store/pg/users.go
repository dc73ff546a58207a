package pg

import (
	"context"
	"database/sql"
	"errors"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/ids"
)

const userColumns = `id, username, email, password_hash, is_active, is_superuser, is_deleted, deleted_at, created_at, updated_at`

type users struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u         auth.User
		deletedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsSuperuser, &u.IsDeleted, &deletedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		u.DeletedAt = &t
	}
	return &u, nil
}

func (s users) Create(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return auth.Unavailable("create user", errNoDB)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, is_active, is_superuser)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.IsActive, u.IsSuperuser).Scan(&u.CreatedAt, &u.UpdatedAt)
	return mapErr("create user", err)
}

func (s users) Find(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, auth.Unavailable("find user", errNoDB)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, mapErr("find user", err)
	}
	return u, nil
}

func (s users) FindByIdentifier(ctx context.Context, identifier string) (*auth.User, error) {
	if s.db == nil {
		return nil, auth.Unavailable("find user", errNoDB)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where not is_deleted and (username = $1 or lower(email) = lower($1))
		order by (username = $1) desc
		limit 1
	`, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", identifier)
	}
	if err != nil {
		return nil, mapErr("find user", err)
	}
	return u, nil
}

// LoadGraph reads the user, its roles and their permissions in one query.
func (s users) LoadGraph(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, auth.Unavailable("load user graph", errNoDB)
	}
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.username, u.email, u.password_hash, u.is_active, u.is_superuser,
		       u.is_deleted, u.deleted_at, u.created_at, u.updated_at,
		       r.id, r.name, r.description,
		       p.id, p.name, p.resource, p.action, p.description
		from users u
		left join user_roles ur on ur.user_id = u.id
		left join roles r on r.id = ur.role_id
		left join role_permissions rp on rp.role_id = r.id
		left join permissions p on p.id = rp.permission_id
		where u.id = $1
		order by r.name, p.name
	`, id)
	if err != nil {
		return nil, mapErr("load user graph", err)
	}
	defer rows.Close()

	var (
		user    *auth.User
		roleIdx = map[string]int{}
	)
	for rows.Next() {
		var (
			u                          auth.User
			deletedAt                  sql.NullTime
			roleID, roleName, roleDesc sql.NullString
			permID, permName, permRes  sql.NullString
			permAction, permDesc       sql.NullString
		)
		if err := rows.Scan(
			&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsSuperuser,
			&u.IsDeleted, &deletedAt, &u.CreatedAt, &u.UpdatedAt,
			&roleID, &roleName, &roleDesc,
			&permID, &permName, &permRes, &permAction, &permDesc,
		); err != nil {
			return nil, mapErr("load user graph", err)
		}
		if user == nil {
			if deletedAt.Valid {
				t := deletedAt.Time
				u.DeletedAt = &t
			}
			u.Roles = []auth.Role{}
			user = &u
		}
		if !roleID.Valid {
			continue
		}
		i, ok := roleIdx[roleID.String]
		if !ok {
			user.Roles = append(user.Roles, auth.Role{ID: roleID.String, Name: roleName.String, Description: roleDesc.String})
			i = len(user.Roles) - 1
			roleIdx[roleID.String] = i
		}
		if permID.Valid {
			user.Roles[i].Permissions = append(user.Roles[i].Permissions, auth.Permission{
				ID:          permID.String,
				Name:        permName.String,
				Resource:    permRes.String,
				Action:      permAction.String,
				Description: permDesc.String,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("load user graph", err)
	}
	if user == nil {
		return nil, notFound("user", id)
	}
	return user, nil
}

func (s users) List(ctx context.Context, page auth.Page) ([]auth.User, error) {
	if s.db == nil {
		return nil, auth.Unavailable("list users", errNoDB)
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+`
		from users
		where not is_deleted
		order by username
		limit $1 offset $2
	`, page.Limit, page.Offset)
	if err != nil {
		return nil, mapErr("list users", err)
	}
	defer rows.Close()

	result := []auth.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr("list users", err)
		}
		result = append(result, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list users", err)
	}
	return result, nil
}

func (s users) Update(ctx context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	if s.db == nil {
		return nil, auth.Unavailable("update user", errNoDB)
	}
	var b setBuilder
	if upd.Username != nil {
		b.add("username", *upd.Username)
	}
	if upd.Email != nil {
		b.add("email", *upd.Email)
	}
	if upd.IsActive != nil {
		b.add("is_active", *upd.IsActive)
	}
	if upd.PasswordHash != nil {
		b.add("password_hash", *upd.PasswordHash)
	}
	if !b.empty() {
		query, args := b.build("users", id, " and not is_deleted")
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapErr("update user", err)
		}
		if err := expectAffected(res, "update user", "user", id); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, id)
}

func (s users) SoftDelete(ctx context.Context, id string) error {
	if s.db == nil {
		return auth.Unavailable("delete user", errNoDB)
	}
	res, err := s.db.ExecContext(ctx, `
		update users
		set is_deleted = true, is_active = false, deleted_at = now(), updated_at = now()
		where id = $1 and not is_deleted
	`, id)
	if err != nil {
		return mapErr("delete user", err)
	}
	return expectAffected(res, "delete user", "user", id)
}

func (s users) SetRoles(ctx context.Context, userID string, roleIDs []string) error {
	if s.db == nil {
		return auth.Unavailable("set user roles", errNoDB)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("set user roles", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1`, userID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("user", userID)
		}
		return mapErr("set user roles", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return mapErr("set user roles", err)
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
			on conflict do nothing
		`, userID, roleID); err != nil {
			return mapErr("set user roles", err)
		}
	}
	return mapErr("set user roles", tx.Commit())
}

func (s users) AddRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return auth.Unavailable("add user role", errNoDB)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, roleID)
	return mapErr("add user role", err)
}

func (s users) RemoveRole(ctx context.Context, userID, roleID string) error {
	if s.db == nil {
		return auth.Unavailable("remove user role", errNoDB)
	}
	_, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	return mapErr("remove user role", err)
}
