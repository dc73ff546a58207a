package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/migrate"
	"prodtrack.io/authcore/internal/obs"
	"prodtrack.io/authcore/internal/store/pg"
	"prodtrack.io/authcore/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("AUTHCORE_PG_DSN"), "PostgreSQL DSN")
		superuser = flag.String("superuser", "", "Username of the superuser to create on seed")
		email     = flag.String("email", "", "Email of the superuser")
		password  = flag.String("password", os.Getenv("AUTHCORE_SUPERUSER_PASSWORD"), "Password of the superuser")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or AUTHCORE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	logger, err := obs.NewLogger("info", "console")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrate.WithLogger(logger))

	switch flag.Arg(0) {
	case "up":
		var n int
		n, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNoMigrations) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
	case "seed":
		err = seed(ctx, db, logger, *superuser, *email, *password)
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, m := range history {
				state := "pending"
				if m.Applied {
					state = "applied " + m.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%s\t%s\n", m.Name, state)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// seed installs the builtin permissions and default roles, and optionally
// bootstraps a superuser account.
func seed(ctx context.Context, db *sql.DB, logger *zap.Logger, username, email, password string) error {
	store := pg.New(db)
	rbac, err := auth.NewRBACService(store, auth.WithRBACLogger(logger.Named("rbac")))
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}
	fmt.Println("builtin permissions and roles ensured")

	if username == "" {
		return nil
	}
	secret := os.Getenv("AUTHCORE_SECRET")
	tokens, err := auth.NewTokenService(secret)
	if err != nil {
		return fmt.Errorf("superuser bootstrap needs AUTHCORE_SECRET: %w", err)
	}
	svc, err := auth.NewService(store, nil, tokens, auth.WithLogger(logger.Named("auth")))
	if err != nil {
		return err
	}
	user, err := svc.CreateUser(ctx, auth.NewUser{
		Username:    username,
		Email:       email,
		Password:    password,
		IsSuperuser: true,
	})
	if errors.Is(err, auth.ErrResourceAlreadyExists) {
		fmt.Printf("superuser %q already exists\n", username)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("created superuser %s (%s)\n", user.Username, user.ID)
	return nil
}
