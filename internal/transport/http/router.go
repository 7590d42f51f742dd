// Package httptransport assembles the public HTTP surface: middleware chain,
// credential routes and operational endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studentvc/internal/identity"
	"studentvc/internal/platform/middleware"
	"studentvc/internal/ratelimit"
	"studentvc/pkg/platform/httputil"
	"studentvc/pkg/platform/middleware/metadata"
	"studentvc/pkg/platform/middleware/requesttime"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Routes mounts a feature's endpoints.
type Routes interface {
	Register(r chi.Router)
}

type Deps struct {
	Logger   *slog.Logger
	Document identity.Document
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
	Timeout  time.Duration
	Routes   []Routes

	// RateLimit throttles feature routes when set.
	RateLimit *ratelimit.Middleware
	// ClientIP decides which forwarding headers to believe. Nil trusts no
	// proxies.
	ClientIP *metadata.Resolver
}

// NewRouter wires all public endpoints.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.RequestID)
	r.Use(d.ClientIP.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(middleware.AccessLog(logger))

	r.Get("/healthz", healthHandler(d.Health))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/.well-known/did.json", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, d.Document)
	})

	r.Group(func(r chi.Router) {
		r.Use(d.RateLimit.Throttle())
		r.Use(chimw.Timeout(timeout))
		for _, routes := range d.Routes {
			routes.Register(r)
		}
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
