package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"prodtrack.io/authcore/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var userCols = []string{"id", "username", "email", "password_hash", "is_active", "is_superuser", "is_deleted", "deleted_at", "created_at", "updated_at"}

func TestFindByIdentifierNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .* from users where not is_deleted and \\(username = \\$1 or lower\\(email\\) = lower\\(\\$1\\)\\)").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Users(context.Background()).FindByIdentifier(context.Background(), "ghost")
	if !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestCreateUserUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "alice", "alice@example.com", "hash", true, false).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_username_active_key"})

	u := &auth.User{Username: "alice", Email: "alice@example.com", PasswordHash: "hash", IsActive: true}
	err := s.Users(context.Background()).Create(context.Background(), u)
	if !errors.Is(err, auth.ErrResourceAlreadyExists) {
		t.Fatalf("expected ErrResourceAlreadyExists, got %v", err)
	}
	if u.ID == "" {
		t.Fatalf("expected id to be assigned before insert")
	}
}

func TestConnectionErrorIsUnavailable(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .* from users where id = \\$1").
		WithArgs("u1").
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := s.Users(context.Background()).Find(context.Background(), "u1")
	if !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestNilDatabase(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if _, err := s.Users(ctx).Find(ctx, "u1"); !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("Find: expected ErrDependencyUnavailable, got %v", err)
	}
	if err := s.Roles(ctx).Delete(ctx, "r1"); !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("Delete: expected ErrDependencyUnavailable, got %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, auth.ErrDependencyUnavailable) {
		t.Fatalf("Ping: expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestLoadGraphGroupsRolesAndPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	cols := append(append([]string{}, userCols...),
		"role_id", "role_name", "role_description",
		"perm_id", "perm_name", "perm_resource", "perm_action", "perm_description")
	rows := sqlmock.NewRows(cols).
		AddRow("u1", "alice", "alice@example.com", "hash", true, false, false, nil, now, now,
			"r1", "editor", "edits", "p1", "tasks:read", "tasks", "read", nil).
		AddRow("u1", "alice", "alice@example.com", "hash", true, false, false, nil, now, now,
			"r1", "editor", "edits", "p2", "tasks:update", "tasks", "update", "update tasks").
		AddRow("u1", "alice", "alice@example.com", "hash", true, false, false, nil, now, now,
			"r2", "empty", nil, nil, nil, nil, nil, nil)
	mock.ExpectQuery("from users u left join user_roles ur").WithArgs("u1").WillReturnRows(rows)

	u, err := s.Users(context.Background()).LoadGraph(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(u.Roles) != 2 {
		t.Fatalf("got %d roles, want 2", len(u.Roles))
	}
	if got := len(u.Roles[0].Permissions); got != 2 {
		t.Fatalf("editor has %d permissions, want 2", got)
	}
	if u.Roles[0].Permissions[1].Description != "update tasks" {
		t.Fatalf("unexpected permission: %+v", u.Roles[0].Permissions[1])
	}
	if len(u.Roles[1].Permissions) != 0 {
		t.Fatalf("empty role should carry no permissions: %+v", u.Roles[1])
	}
	p := auth.NewPrincipal(u)
	if !p.HasAllPermissions("tasks:read", "tasks:update") {
		t.Fatalf("principal missing permissions: %v", p.Permissions())
	}
}

func TestLoadGraphMissingUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users u").WithArgs("nope").WillReturnRows(sqlmock.NewRows(userCols))

	_, err := s.Users(context.Background()).LoadGraph(context.Background(), "nope")
	if !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestUpdateUserBuildsPartialStatement(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("update users set username = \\$1, updated_at = now\\(\\) where id = \\$2 and not is_deleted").
		WithArgs("bob", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select .* from users where id = \\$1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "bob", "alice@example.com", "hash", true, false, false, nil, now, now))

	name := "bob"
	u, err := s.Users(context.Background()).Update(context.Background(), "u1", auth.UserUpdate{Username: &name})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if u.Username != "bob" {
		t.Fatalf("unexpected username %q", u.Username)
	}
}

func TestSoftDeleteMissingUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update users set is_deleted = true").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Users(context.Background()).SoftDelete(context.Background(), "u1")
	if !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestSetRolesReplacesAssignments(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users where id = \\$1").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectExec("delete from user_roles where user_id = \\$1").WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into user_roles").WithArgs("u1", "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_roles").WithArgs("u1", "r2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Users(context.Background()).SetRoles(context.Background(), "u1", []string{"r1", "r2"}); err != nil {
		t.Fatalf("SetRoles: %v", err)
	}
}

func TestSetRolesUnknownRoleRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from users").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	mock.ExpectExec("delete from user_roles").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into user_roles").WithArgs("u1", "missing").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "user_roles_role_id_fkey"})
	mock.ExpectRollback()

	err := s.Users(context.Background()).SetRoles(context.Background(), "u1", []string{"missing"})
	if !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestRoleFindIncludesPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "name", "description", "created_at", "updated_at", "pid", "pname", "resource", "action", "pdesc"}).
		AddRow("r1", "viewer", nil, now, now, "p1", "tasks:read", "tasks", "read", nil).
		AddRow("r1", "viewer", nil, now, now, "p2", "projects:read", "projects", "read", nil)
	mock.ExpectQuery("from roles r left join role_permissions rp .* where r.name = \\$1").WithArgs("viewer").WillReturnRows(rows)

	r, err := s.Roles(context.Background()).FindByName(context.Background(), "viewer")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if r.ID != "r1" || len(r.Permissions) != 2 {
		t.Fatalf("unexpected role: %+v", r)
	}
}

func TestAddPermissionsMissingRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from roles where id = \\$1").WithArgs("r9").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Roles(context.Background()).AddPermissions(context.Background(), "r9", []string{"p1"})
	if !errors.Is(err, auth.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestEnsureSkipsExistingNames(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into permissions .* on conflict \\(name\\) do nothing").
		WithArgs(sqlmock.AnyArg(), "tasks:read", "tasks", "read", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into permissions .* on conflict \\(name\\) do nothing").
		WithArgs(sqlmock.AnyArg(), "tasks:create", "tasks", "create", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Permissions(context.Background()).Ensure(context.Background(), []auth.Permission{
		{Name: "tasks:read", Resource: "tasks", Action: "read"},
		{Name: "tasks:create", Resource: "tasks", Action: "create", Description: "create tasks"},
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}
