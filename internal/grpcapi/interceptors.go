// Package grpcapi serves gRPC health and authenticates gRPC callers with the
// same resolver as the HTTP layer.
package grpcapi

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"prodtrack.io/authcore/internal/audit"
	"prodtrack.io/authcore/internal/auth"
)

// Authenticator resolves an access token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// AuthOption configures the auth interceptors.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedMethods map[string]bool
}

// WithExcludedMethods sets fully qualified methods that skip authentication.
func WithExcludedMethods(methods ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, m := range methods {
			cfg.excludedMethods[m] = true
		}
	}
}

func newAuthConfig(opts []AuthOption) *authConfig {
	cfg := &authConfig{excludedMethods: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// UnaryAuth verifies the bearer token in the "authorization" metadata and
// stores the principal in the context.
func UnaryAuth(authn Authenticator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, authn)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth is the streaming counterpart of UnaryAuth.
func StreamAuth(authn Authenticator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg.excludedMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), authn)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryRequire checks permissions per method. Methods absent from perms are
// not restricted beyond authentication. Requires UnaryAuth to run first.
func UnaryRequire(authz *auth.Authorizer, perms map[string]string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		perm, ok := perms[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing principal")
		}
		if err := authz.Require(p, perm); err != nil {
			return nil, Status(err)
		}
		return handler(ctx, req)
	}
}

// UnaryRequestID copies x-request-id from the metadata into the audit
// context.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("x-request-id"); len(vals) > 0 {
				ctx = audit.WithRequestID(ctx, vals[0])
			}
		}
		return handler(ctx, req)
	}
}

// Status converts a core error into a gRPC status carrying the same
// user-facing message as the HTTP layer.
func Status(err error) error {
	if err == nil {
		return nil
	}
	f := auth.Describe(err)
	return status.Error(codeFor(err), f.Message)
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionNotFound):
		return codes.Unauthenticated
	case errors.Is(err, auth.ErrInactiveUser), errors.Is(err, auth.ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, auth.ErrResourceNotFound):
		return codes.NotFound
	case errors.Is(err, auth.ErrResourceAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, auth.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, auth.ErrDependencyUnavailable):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func authenticate(ctx context.Context, authn Authenticator) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	token := extractBearerFromMD(md)
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization token")
	}
	p, err := authn.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrResourceNotFound) {
			err = auth.ErrInvalidToken
		}
		return ctx, Status(err)
	}
	ctx = auth.ContextWithPrincipal(ctx, p)
	return auth.ContextWithToken(ctx, token), nil
}

func extractBearerFromMD(md metadata.MD) string {
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
