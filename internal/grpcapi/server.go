package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/obs"
)

// ServiceName is the name reported through the health service.
const ServiceName = "authcore"

var healthMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/List",
	"/grpc.health.v1.Health/Watch",
}

// Server bundles the grpc.Server with its health reporter.
type Server struct {
	*grpc.Server
	health *health.Server
	ready  func(context.Context) bool
	logger *zap.Logger
}

// Deps wires the server. Ready reports whether the service can take traffic.
type Deps struct {
	Authenticator Authenticator
	Authorizer    *auth.Authorizer
	Permissions   map[string]string
	Ready         func(context.Context) bool
	Logger        *zap.Logger
}

// NewServer builds a gRPC server with the health service registered and the
// auth interceptors chained. Health methods never require a token.
func NewServer(d Deps, opts ...grpc.ServerOption) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Authorizer == nil {
		d.Authorizer = auth.NewAuthorizer()
	}
	if d.Ready == nil {
		d.Ready = func(context.Context) bool { return true }
	}

	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			UnaryRequestID(),
			UnaryAuth(d.Authenticator, WithExcludedMethods(healthMethods...)),
			UnaryRequire(d.Authorizer, d.Permissions),
		),
		grpc.ChainStreamInterceptor(
			StreamAuth(d.Authenticator, WithExcludedMethods(healthMethods...)),
		),
	)
	s := &Server{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  d.Ready,
		logger: d.Logger.Named("grpc"),
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	s.refresh(context.Background())
	return s
}

// WatchReadiness re-evaluates readiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	ok := s.ready(ctx)
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	obs.SetReady(ok)
}

// Shutdown marks the service as not serving and stops gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.GracefulStop()
	s.logger.Info("grpc server stopped")
}
