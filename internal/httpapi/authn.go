package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// authenticate resolves the bearer token, or the access cookie when no
// header is sent, into a principal. Requests without a valid token are
// rejected.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.tokenFromRequest(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required.")
			return
		}

		principal, err := a.resolver.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrResourceNotFound) {
				// The subject is gone; report the token as invalid instead of 404.
				err = auth.ErrInvalidToken
			}
			a.fail(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) tokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(a.cookie.Name); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errMissingToken
}

// requirePermission admits principals holding perm.
func (a *API) requirePermission(perm string) func(http.Handler) http.Handler {
	return a.guard(func(p auth.Principal) error { return a.authz.Require(p, perm) })
}

func (a *API) requireFeature(feature string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.authz.RequireFeature(feature); err != nil {
				a.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) guard(check func(auth.Principal) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "NOT_AUTHENTICATED", "Authentication required.")
				return
			}
			if err := check(principal); err != nil {
				a.fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// fail renders err through auth.Describe. Server-side failures are logged with
// their full text, which never reaches the client.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	f := auth.Describe(err)
	if f.Status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", f.Code),
			zap.Error(err),
		)
	}
	writeFailure(w, r, f)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
