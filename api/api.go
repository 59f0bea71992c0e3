// Package api is the REST surface of the heartreel backend: identity,
// subscriptions, public site lookup and unlock, site management and admin.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/heartreel/heartreel/accounts"
	"github.com/heartreel/heartreel/site"
)

const defaultIdleTimeout = 7 * 24 * time.Hour

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts       *accounts.Service
	sites          *site.Store
	tokens         *accounts.TokenIssuer
	sessions       accounts.SessionStore
	limits         *rateLimiters
	audit          *auditLogger
	logger         *slog.Logger
	trustedProxies []netip.Prefix
	alertFn        AlertFunc
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request errors and audit events.
// If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithSessionStore replaces the default in-memory session store.
func WithSessionStore(store accounts.SessionStore) Option {
	return func(a *API) {
		a.sessions = store
	}
}

// WithAlertFunc installs a callback for anomaly alerts such as sign-in
// failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies parses CIDR ranges (bare IPs are single-host ranges)
// whose forwarding headers are trusted when determining the client IP.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(accts *accounts.Service, sites *site.Store, tokens *accounts.TokenIssuer, opts ...Option) *API {
	a := &API{
		accounts: accts,
		sites:    sites,
		tokens:   tokens,
		limits:   newRateLimiters(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = accounts.NewMemorySessionStore(defaultIdleTimeout)
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.ipFunc = a.extractClientIP
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/signup", a.SignUp)
	r.Post("/auth/signin", a.SignIn)
	r.Post("/auth/reset-password", a.RequestPasswordReset)
	r.Post("/auth/reset-password/confirm", a.ConfirmPasswordReset)
	r.With(a.AuthMiddleware).Post("/auth/signout", a.SignOut)
	r.With(a.AuthMiddleware).Get("/auth/session", a.CurrentSession)
	r.With(a.AuthMiddleware).Get("/subscription", a.GetSubscription)

	r.Get("/slugs/{slug}", a.GetSiteBySlug)
	r.Post("/sites/{siteID}/unlock", a.UnlockSite)
	r.Post("/sites/{siteID}/views", a.RecordPageView)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Get("/sites", a.ListSites)
		r.Post("/sites", a.CreateSite)
		r.Get("/sites/{siteID}", a.GetSite)
		r.Put("/sites/{siteID}", a.UpdateSite)
		r.Delete("/sites/{siteID}", a.DeleteSite)
		r.Get("/sites/{siteID}/stats", a.GetSiteStats)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AuthMiddleware, a.RequireAdmin)
		r.Get("/users", a.ListUsers)
		r.Put("/users/{userID}/plan", a.SetUserPlan)
	})

	return r
}

// SweepRateLimits drops expired rate-limit records. The server calls it
// periodically.
func (a *API) SweepRateLimits() {
	a.limits.sweep()
}
