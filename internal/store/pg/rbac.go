package pg

import (
	"context"
	"database/sql"
	"errors"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/ids"
)

type roles struct {
	db *sql.DB
}

const rolesWithPermissions = `
	select r.id, r.name, r.description, r.created_at, r.updated_at,
	       p.id, p.name, p.resource, p.action, p.description
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id
`

func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	result := []auth.Role{}
	idx := map[string]int{}
	for rows.Next() {
		var (
			r                         auth.Role
			desc                      sql.NullString
			permID, permName, permRes sql.NullString
			permAction, permDesc      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &desc, &r.CreatedAt, &r.UpdatedAt,
			&permID, &permName, &permRes, &permAction, &permDesc); err != nil {
			return nil, err
		}
		i, ok := idx[r.ID]
		if !ok {
			r.Description = desc.String
			r.Permissions = []auth.Permission{}
			result = append(result, r)
			i = len(result) - 1
			idx[r.ID] = i
		}
		if permID.Valid {
			result[i].Permissions = append(result[i].Permissions, auth.Permission{
				ID:          permID.String,
				Name:        permName.String,
				Resource:    permRes.String,
				Action:      permAction.String,
				Description: permDesc.String,
			})
		}
	}
	return result, rows.Err()
}

func (s roles) queryOne(ctx context.Context, op, where, arg string) (*auth.Role, error) {
	if s.db == nil {
		return nil, auth.Unavailable(op, errNoDB)
	}
	rows, err := s.db.QueryContext(ctx, rolesWithPermissions+where+` order by p.name`, arg)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	list, err := scanRoles(rows)
	if err != nil {
		return nil, mapErr(op, err)
	}
	if len(list) == 0 {
		return nil, notFound("role", arg)
	}
	return &list[0], nil
}

func (s roles) Create(ctx context.Context, r *auth.Role) error {
	if s.db == nil {
		return auth.Unavailable("create role", errNoDB)
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, r.ID, r.Name, nullIfEmpty(r.Description)).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err == nil && r.Permissions == nil {
		r.Permissions = []auth.Permission{}
	}
	return mapErr("create role", err)
}

func (s roles) Find(ctx context.Context, id string) (*auth.Role, error) {
	return s.queryOne(ctx, "find role", `where r.id = $1`, id)
}

func (s roles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return s.queryOne(ctx, "find role", `where r.name = $1`, name)
}

func (s roles) List(ctx context.Context, page auth.Page) ([]auth.Role, error) {
	if s.db == nil {
		return nil, auth.Unavailable("list roles", errNoDB)
	}
	rows, err := s.db.QueryContext(ctx, `
		with page as (
			select id from roles order by name limit $1 offset $2
		)`+rolesWithPermissions+`
		where r.id in (select id from page)
		order by r.name, p.name
	`, page.Limit, page.Offset)
	if err != nil {
		return nil, mapErr("list roles", err)
	}
	defer rows.Close()
	list, err := scanRoles(rows)
	if err != nil {
		return nil, mapErr("list roles", err)
	}
	return list, nil
}

func (s roles) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	if s.db == nil {
		return nil, auth.Unavailable("update role", errNoDB)
	}
	var b setBuilder
	if upd.Name != nil {
		b.add("name", *upd.Name)
	}
	if upd.Description != nil {
		b.add("description", nullIfEmpty(*upd.Description))
	}
	if !b.empty() {
		query, args := b.build("roles", id, "")
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapErr("update role", err)
		}
		if err := expectAffected(res, "update role", "role", id); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, id)
}

// Delete relies on cascading foreign keys to drop user_roles and
// role_permissions rows.
func (s roles) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return auth.Unavailable("delete role", errNoDB)
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return mapErr("delete role", err)
	}
	return expectAffected(res, "delete role", "role", id)
}

func (s roles) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	return s.grant(ctx, "set role permissions", roleID, permissionIDs, true)
}

func (s roles) AddPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	return s.grant(ctx, "add role permissions", roleID, permissionIDs, false)
}

func (s roles) grant(ctx context.Context, op, roleID string, permissionIDs []string, replace bool) error {
	if s.db == nil {
		return auth.Unavailable(op, errNoDB)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("role", roleID)
		}
		return mapErr(op, err)
	}
	if replace {
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return mapErr(op, err)
		}
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return mapErr(op, err)
		}
	}
	return mapErr(op, tx.Commit())
}

func (s roles) RemovePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return auth.Unavailable("remove role permissions", errNoDB)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("remove role permissions", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1 and permission_id = $2`, roleID, permID); err != nil {
			return mapErr("remove role permissions", err)
		}
	}
	return mapErr("remove role permissions", tx.Commit())
}

type permissions struct {
	db *sql.DB
}

const permissionColumns = `id, name, resource, action, description, created_at, updated_at`

func scanPermission(row rowScanner) (*auth.Permission, error) {
	var (
		p    auth.Permission
		desc sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &desc, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = desc.String
	return &p, nil
}

func (s permissions) list(ctx context.Context, op, query string, args ...any) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, auth.Unavailable(op, errNoDB)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()
	result := []auth.Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		result = append(result, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return result, nil
}

func (s permissions) one(ctx context.Context, query, key string) (*auth.Permission, error) {
	if s.db == nil {
		return nil, auth.Unavailable("find permission", errNoDB)
	}
	p, err := scanPermission(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permission", key)
	}
	if err != nil {
		return nil, mapErr("find permission", err)
	}
	return p, nil
}

func (s permissions) Create(ctx context.Context, p *auth.Permission) error {
	if s.db == nil {
		return auth.Unavailable("create permission", errNoDB)
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, resource, action, description)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, p.ID, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description)).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr("create permission", err)
}

func (s permissions) Find(ctx context.Context, id string) (*auth.Permission, error) {
	return s.one(ctx, `select `+permissionColumns+` from permissions where id = $1`, id)
}

func (s permissions) FindByName(ctx context.Context, name string) (*auth.Permission, error) {
	return s.one(ctx, `select `+permissionColumns+` from permissions where name = $1`, name)
}

func (s permissions) List(ctx context.Context, page auth.Page) ([]auth.Permission, error) {
	return s.list(ctx, "list permissions",
		`select `+permissionColumns+` from permissions order by name limit $1 offset $2`,
		page.Limit, page.Offset)
}

func (s permissions) ListByResource(ctx context.Context, resource string) ([]auth.Permission, error) {
	return s.list(ctx, "list permissions",
		`select `+permissionColumns+` from permissions where resource = $1 order by name`,
		resource)
}

func (s permissions) Update(ctx context.Context, id string, upd auth.PermissionUpdate) (*auth.Permission, error) {
	if s.db == nil {
		return nil, auth.Unavailable("update permission", errNoDB)
	}
	var b setBuilder
	if upd.Name != nil {
		b.add("name", *upd.Name)
	}
	if upd.Resource != nil {
		b.add("resource", *upd.Resource)
	}
	if upd.Action != nil {
		b.add("action", *upd.Action)
	}
	if upd.Description != nil {
		b.add("description", nullIfEmpty(*upd.Description))
	}
	if !b.empty() {
		query, args := b.build("permissions", id, "")
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapErr("update permission", err)
		}
		if err := expectAffected(res, "update permission", "permission", id); err != nil {
			return nil, err
		}
	}
	return s.Find(ctx, id)
}

func (s permissions) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return auth.Unavailable("delete permission", errNoDB)
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return mapErr("delete permission", err)
	}
	return expectAffected(res, "delete permission", "permission", id)
}

func (s permissions) Ensure(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return auth.Unavailable("ensure permissions", errNoDB)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("ensure permissions", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, description)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do nothing
		`, id, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description)); err != nil {
			return mapErr("ensure permissions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mapErr("ensure permissions", err)
	}
	return nil
}
