// Package api is gatewarden's HTTP surface. Every route runs behind the
// guard middleware, which applies rate limiting, anomaly screening and
// session validation before any handler sees the request.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jmcleod/gatewarden/guard"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	pipeline       *guard.Pipeline
	accounts       *AccountTable
	converter      Converter
	logins         *loginRateLimiter
	loginIPs       *loginRateLimiter
	audit          *auditLogger
	alerts         *metricsCollector
	metrics        *promMetrics
	registry       *prometheus.Registry
	webhook        *auditWebhook
	webhookCfg     webhookConfig
	trustedProxies []netip.Prefix
	demoEnabled    bool
	maxBodyBytes   int64
	logger         *slog.Logger
	alertFn        AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

const defaultMaxBodyBytes = 1 << 20

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. Audit events are written to it
// with component=audit. If not set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAccounts sets the password accounts accepted by /auth/login. Without
// it every login fails.
func WithAccounts(t *AccountTable) Option {
	return func(a *API) {
		a.accounts = t
	}
}

// WithConverter sets the conversion backend. Defaults to EchoConverter.
func WithConverter(c Converter) Option {
	return func(a *API) {
		a.converter = c
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honoured when determining the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithDemo enables or disables /auth/demo. Enabled by default.
func WithDemo(enabled bool) Option {
	return func(a *API) {
		a.demoEnabled = enabled
	}
}

// WithMaxBodyBytes caps JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRegistry registers the API's Prometheus collectors on reg instead of
// a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) {
		a.registry = reg
	}
}

// WithAlertFunc sets the callback for spike alerts. The default logs the
// alert at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. authHeader has the form
// "Header: Value". Outbound requests are throttled to limit per second.
func WithAuditWebhook(url, authHeader string, limit float64, burst int) Option {
	return func(a *API) {
		a.webhookCfg = webhookConfig{url: url, authHeader: authHeader, limit: rate.Limit(limit), burst: burst}
	}
}

// New creates a new API instance around pipeline.
func New(pipeline *guard.Pipeline, opts ...Option) *API {
	a := &API{
		pipeline:     pipeline,
		logins:       newLoginRateLimiter(accountLimits, time.Now),
		loginIPs:     newLoginRateLimiter(ipLimits, time.Now),
		demoEnabled:  true,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.accounts == nil {
		a.accounts = &AccountTable{}
	}
	if a.converter == nil {
		a.converter = EchoConverter{}
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.metrics = newPromMetrics(a.registry, pipeline.Limiter())

	alertFn := a.alertFn
	if alertFn == nil {
		alertFn = func(e AlertEvent) {
			a.logger.Warn("alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}
	}
	a.alerts = newMetricsCollector(func(e AlertEvent) {
		a.metrics.alerts.WithLabelValues(string(e.Type)).Inc()
		alertFn(e)
	}, time.Now)
	if a.webhookCfg.url != "" {
		a.webhook = newAuditWebhook(a.webhookCfg, a.logger.With("component", "audit_webhook"))
	}
	a.audit = newAuditLogger(a.logger, a.alerts, a.webhook)
	return a
}

// Close stops background work. Queued webhook events are delivered first.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Sweep drops stale login backoff records. Call it periodically.
func (a *API) Sweep() {
	a.logins.sweep()
	a.loginIPs.sweep()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.Guard)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Method(http.MethodGet, "/metrics", a.metrics.handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.Login)
		r.Post("/demo", a.Demo)
		r.Post("/refresh", a.Refresh)
		r.Post("/logout", a.Logout)
		r.Get("/session", a.Session)
	})

	r.Post("/convert", a.Convert)
	r.Get("/quota", a.Quota)

	return r
}
