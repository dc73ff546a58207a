package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"prodtrack.io/authcore/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDB = errors.New("database connection unavailable")

// Store implements auth.Store on PostgreSQL through database/sql and the pgx
// driver.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 25
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 15 * time.Minute
	}
	if pool.ConnMaxIdleTime <= 0 {
		pool.ConnMaxIdleTime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return auth.Unavailable("postgres ping", errNoDB)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return auth.Unavailable("postgres ping", err)
	}
	return nil
}

func (s *Store) Users(context.Context) auth.UserStore             { return users{db: s.db} }
func (s *Store) Roles(context.Context) auth.RoleStore             { return roles{db: s.db} }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return permissions{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr translates driver errors into auth sentinels.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s: %s", auth.ErrResourceAlreadyExists, op, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", auth.ErrResourceNotFound, op, pgErr.ConstraintName)
		}
	}
	return auth.Unavailable("postgres "+op, err)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", auth.ErrResourceNotFound, kind, id)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func expectAffected(res sql.Result, op, kind, id string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if aff == 0 {
		return notFound(kind, id)
	}
	return nil
}

type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

func (b *setBuilder) empty() bool { return len(b.sets) == 0 }

// build returns "update <table> set ..., updated_at = now() where id = $n <extra>".
func (b *setBuilder) build(table, id, extra string) (string, []any) {
	sets := append(b.sets, "updated_at = now()")
	args := append(b.args, id)
	return fmt.Sprintf(`update %s set %s where id = $%d%s`, table, strings.Join(sets, ", "), len(args), extra), args
}
