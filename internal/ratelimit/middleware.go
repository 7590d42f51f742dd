package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"studentvc/internal/platform/metrics"
	dErrors "studentvc/pkg/domain-errors"
	"studentvc/pkg/platform/httputil"
	"studentvc/pkg/requestcontext"
)

// Middleware turns a Limiter and Throttle into HTTP middleware. A nil
// Middleware passes every request through.
type Middleware struct {
	limiter  *Limiter
	throttle *Throttle
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewMiddleware(limiter *Limiter, throttle *Throttle, logger *slog.Logger, m *metrics.Metrics) *Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Middleware{limiter: limiter, throttle: throttle, logger: logger, metrics: m}
}

func passthrough(next http.Handler) http.Handler { return next }

// Limit enforces the per-IP budget of class. Store failures let the request
// through so that a Redis outage does not take the API down with it.
func (m *Middleware) Limit(class Class) func(http.Handler) http.Handler {
	if m == nil || m.limiter == nil {
		return passthrough
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)

			result, err := m.limiter.Check(ctx, class, ip)
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to check rate limit", "error", err, "class", class, "ip_prefix", AnonymizeIP(ip))
				next.ServeHTTP(w, r)
				return
			}

			addHeaders(w, result)
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests from this address, retry later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Throttle sheds load once the global request rate is exceeded.
func (m *Middleware) Throttle() func(http.Handler) http.Handler {
	if m == nil || m.throttle == nil {
		return passthrough
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.throttle.AllowAt(requestcontext.Now(r.Context())) {
				m.metrics.IncrementRateLimited("global")
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "service is temporarily overloaded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func addHeaders(w http.ResponseWriter, result *Result) {
	if result == nil || result.Bypassed {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
