// Package httpapi exposes the authentication and RBAC operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/auth"
	"prodtrack.io/authcore/internal/config"
	"prodtrack.io/authcore/internal/obs"
)

// Pinger is implemented by the entity and session stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing stores. A session cache outage only fails
// readiness when the resolver is configured to fail closed.
type ReadyProbe struct {
	Store    Pinger
	Sessions Pinger
	Timeout  time.Duration
}

// Readiness reports each dependency as ok, degraded or unavailable.
type Readiness struct {
	Store    string `json:"store"`
	Sessions string `json:"sessions"`
}

// Check pings the stores and reports whether the service can take traffic.
func (rp ReadyProbe) Check(ctx context.Context, policy auth.DegradePolicy) (Readiness, bool) {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := Readiness{Store: "ok", Sessions: "ok"}
	ok := true
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			st.Store = "unavailable"
			ok = false
		}
	}
	if rp.Sessions != nil {
		if err := rp.Sessions.Ping(ctx); err != nil {
			st.Sessions = "degraded"
			if policy == auth.FailClosed {
				st.Sessions = "unavailable"
				ok = false
			}
		}
	}
	return st, ok
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Service    *auth.Service
	RBAC       *auth.RBACService
	Resolver   *auth.Resolver
	Authorizer *auth.Authorizer
	Probe      ReadyProbe
	Logger     *zap.Logger
	Version    string

	HTTP      config.HTTPConfig
	Cookie    config.CookieConfig
	RateLimit config.RateLimitConfig
}

// API is the HTTP layer.
type API struct {
	svc      *auth.Service
	rbac     *auth.RBACService
	resolver *auth.Resolver
	authz    *auth.Authorizer
	probe    ReadyProbe
	logger   *zap.Logger
	version  string

	http      config.HTTPConfig
	cookie    config.CookieConfig
	rateLimit config.RateLimitConfig
	proxies   []netip.Prefix
}

func New(d Deps) (*API, error) {
	if d.Service == nil || d.RBAC == nil || d.Resolver == nil {
		return nil, errors.New("httpapi: service, rbac and resolver are required")
	}
	if d.Authorizer == nil {
		d.Authorizer = auth.NewAuthorizer()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Cookie.Name == "" {
		d.Cookie = config.Default().Cookie
	}
	if d.RateLimit.LoginBurst <= 0 {
		def := config.Default().RateLimit
		d.RateLimit.LoginRPS, d.RateLimit.LoginBurst = def.LoginRPS, def.LoginBurst
	}
	proxies, err := d.RateLimit.Proxies()
	if err != nil {
		return nil, err
	}
	return &API{
		svc:       d.Service,
		rbac:      d.RBAC,
		resolver:  d.Resolver,
		authz:     d.Authorizer,
		probe:     d.Probe,
		logger:    d.Logger.Named("http"),
		version:   d.Version,
		http:      d.HTTP,
		cookie:    d.Cookie,
		rateLimit: d.RateLimit,
		proxies:   proxies,
	}, nil
}

// Handler returns the routed, instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RealIP(a.proxies))
	r.Use(Logging(a.logger))
	r.Use(Recover(a.logger))
	r.Use(SecurityHeaders)
	r.Use(CORS(a.http.CORSOrigins))
	r.Use(MaxBodyBytes(a.http.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "RESOURCE_NOT_FOUND", "The requested resource doesn't exist.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", a.authRoutes)
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Use(a.requireFeature(auth.FeatureRBACAdmin))
			r.Route("/roles", a.roleRoutes)
			r.Route("/permissions", a.permissionRoutes)
		})
	})

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	st, ok := a.probe.Check(r.Context(), a.resolver.Policy())
	obs.SetReady(ok)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": st,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": st,
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "authcore",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.version,
		"degrade_policy": a.resolver.Policy().String(),
	})
}
