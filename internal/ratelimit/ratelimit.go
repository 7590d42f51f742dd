// Package ratelimit bounds how often a client may call the credential API.
// Each endpoint class has a per-IP sliding window budget kept in memory or in
// Redis, and an optional global throttle sheds load before any handler runs.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net/netip"
	"time"

	"studentvc/internal/platform/metrics"
	dErrors "studentvc/pkg/domain-errors"
	"studentvc/pkg/requestcontext"
)

// Class groups endpoints that share a request budget.
type Class string

const (
	// ClassIssue covers issuance and status changes.
	ClassIssue Class = "issue"
	// ClassRead covers listing and fetching credentials.
	ClassRead Class = "read"
	// ClassVerify covers token verification by relying parties.
	ClassVerify Class = "verify"
)

// missingLimitRetry is the Retry-After sent when a class has no configured
// limit.
const missingLimitRetry = 60

// Limit is a budget of Requests per sliding Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Bypassed   bool      `json:"bypassed,omitempty"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// Store counts requests per key over a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// Limiter applies per-class limits to client IPs.
type Limiter struct {
	store     Store
	limits    map[Class]Limit
	allowlist map[string]struct{}
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Limiter)

func WithLimit(class Class, limit Limit) Option {
	return func(l *Limiter) {
		l.limits[class] = limit
	}
}

// WithAllowlist exempts the given client IPs from all limits.
func WithAllowlist(ips ...string) Option {
	return func(l *Limiter) {
		for _, ip := range ips {
			l.allowlist[ip] = struct{}{}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		limits:    map[Class]Limit{},
		allowlist: map[string]struct{}{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one request from ip's budget for class. A class without a
// configured limit is denied.
func (l *Limiter) Check(ctx context.Context, class Class, ip string) (*Result, error) {
	now := requestcontext.Now(ctx)
	limit, ok := l.limits[class]
	if !ok || limit.Requests <= 0 || limit.Window <= 0 {
		l.logger.WarnContext(ctx, "rate limit not configured", "class", class)
		return &Result{Allowed: false, ResetAt: now, RetryAfter: missingLimitRetry}, nil
	}

	if _, ok := l.allowlist[ip]; ok {
		return &Result{
			Allowed:   true,
			Bypassed:  true,
			Limit:     limit.Requests,
			Remaining: limit.Requests,
			ResetAt:   now.Add(limit.Window),
		}, nil
	}

	res, err := l.store.Allow(ctx, key(class, ip), limit.Requests, limit.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check rate limit")
	}
	if !res.Allowed {
		l.logger.WarnContext(ctx, "rate limit exceeded",
			"class", class,
			"ip_prefix", AnonymizeIP(ip),
			"limit", limit.Requests,
			"window_seconds", int(limit.Window.Seconds()),
		)
		l.metrics.IncrementRateLimited(string(class))
	}
	return res, nil
}

func key(class Class, ip string) string {
	return "ratelimit:" + string(class) + ":" + ip
}

// retryAfter is the whole number of seconds until reset, at least one.
func retryAfter(now, reset time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	return max(secs, 1)
}

// AnonymizeIP truncates an address to its /24 (IPv4) or /48 (IPv6) network
// for logging. Unparseable input is returned unchanged.
func AnonymizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	bits := 48
	if addr.Is4() || addr.Is4In6() {
		addr, bits = addr.Unmap(), 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.String()
}
