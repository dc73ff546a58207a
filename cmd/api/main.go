package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/audit"
	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/config"
	"prodtrack.io/authcore/internal/grpcapi"
	"prodtrack.io/authcore/internal/httpapi"
	"prodtrack.io/authcore/internal/obs"
	"prodtrack.io/authcore/internal/session"
	"prodtrack.io/authcore/internal/store/memory"
	"prodtrack.io/authcore/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authcore stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Entity store: PostgreSQL when a DSN is configured, otherwise in-memory.
	var (
		store     auth.Store
		storePing httpapi.Pinger
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		})
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store, storePing = pgStore, pgStore
	} else {
		logger.Warn("no postgres DSN configured, using in-memory store")
		store = memory.New()
	}

	// An unreachable Redis is not fatal here: the resolver degrades per policy.
	sessions, err := session.Open(ctx, cfg.Redis.URL, cfg.Redis.OpTimeout, session.WithLogger(logger.Named("sessions")))
	if err != nil {
		return err
	}
	defer sessions.Close()

	var auditOpts []audit.Option
	if len(cfg.Kafka.Brokers) > 0 {
		sink := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer sink.Close()
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	auditor := audit.New(logger.Named("audit"), auditOpts...)
	metrics := obs.AuthMetrics{}
	policy := cfg.Auth.Policy()

	tokens, err := auth.NewTokenService(cfg.Auth.Secret, auth.WithTokenIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	svc, err := auth.NewService(store, sessions, tokens,
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithSessionPolicy(policy),
		auth.WithLogger(logger.Named("auth")),
		auth.WithMetrics(metrics),
		auth.WithAuditor(auditor),
	)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(store,
		auth.WithRBACLogger(logger.Named("rbac")),
		auth.WithRBACAuditor(auditor),
	)
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(tokens, sessions, store,
		auth.WithDegradePolicy(policy),
		auth.WithLookupTimeout(cfg.Redis.LookupTimeout),
		auth.WithResolverLogger(logger.Named("resolver")),
		auth.WithResolverMetrics(metrics),
	)
	if err != nil {
		return err
	}
	authz := auth.NewAuthorizer(
		auth.WithFeatureGate(cfg.Auth.Features()),
		auth.WithAuthorizerMetrics(metrics),
		auth.WithAuthorizerLogger(logger.Named("authz")),
	)

	probe := httpapi.ReadyProbe{Store: storePing, Sessions: sessions}
	api, err := httpapi.New(httpapi.Deps{
		Service:    svc,
		RBAC:       rbac,
		Resolver:   resolver,
		Authorizer: authz,
		Probe:      probe,
		Logger:     logger,
		Version:    version,
		HTTP:       cfg.HTTP,
		Cookie:     cfg.Cookie,
		RateLimit:  cfg.RateLimit,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpcapi.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		grpcSrv = grpcapi.NewServer(grpcapi.Deps{
			Authenticator: resolver,
			Authorizer:    authz,
			Ready: func(ctx context.Context) bool {
				_, ok := probe.Check(ctx, policy)
				return ok
			},
			Logger: logger,
		})
		go grpcSrv.WatchReadiness(ctx, 10*time.Second)
		go func() {
			logger.Info("grpc server listening", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	obs.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.Shutdown()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
