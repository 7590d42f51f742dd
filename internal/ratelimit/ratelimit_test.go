package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studentvc/internal/platform/metrics"
	"studentvc/pkg/testutil"
)

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*Result, error) {
	return nil, errors.New("connection refused")
}

func TestLimiterCheck(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	l := New(NewMemoryStore(),
		WithLimit(ClassIssue, Limit{Requests: 2, Window: time.Minute}),
		WithAllowlist("10.0.0.1"),
		WithMetrics(m),
	)

	t.Run("budget is per class and ip", func(t *testing.T) {
		for range 2 {
			res, err := l.Check(ctx, ClassIssue, "192.0.2.1")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}
		res, err := l.Check(ctx, ClassIssue, "192.0.2.1")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, float64(1), promtest.ToFloat64(m.RateLimited.WithLabelValues("issue")))

		res, err = l.Check(ctx, ClassIssue, "192.0.2.2")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("unconfigured class is denied", func(t *testing.T) {
		res, err := l.Check(ctx, ClassVerify, "192.0.2.1")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, missingLimitRetry, res.RetryAfter)
	})

	t.Run("allowlisted ip bypasses", func(t *testing.T) {
		for range 5 {
			res, err := l.Check(ctx, ClassIssue, "10.0.0.1")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.True(t, res.Bypassed)
		}
	})

	t.Run("store failure is internal", func(t *testing.T) {
		broken := New(failingStore{}, WithLimit(ClassRead, Limit{Requests: 1, Window: time.Minute}))
		_, err := broken.Check(ctx, ClassRead, "192.0.2.1")
		require.Error(t, err)
	})
}

func TestAnonymizeIP(t *testing.T) {
	assert.Equal(t, "192.0.2.0/24", AnonymizeIP("192.0.2.77"))
	assert.Equal(t, "192.0.2.0/24", AnonymizeIP("::ffff:192.0.2.77"))
	assert.Equal(t, "2001:db8:1::/48", AnonymizeIP("2001:db8:1:2::7"))
	assert.Equal(t, "unknown", AnonymizeIP("unknown"))
}

func TestThrottle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(1, 2)
	assert.True(t, th.AllowAt(now))
	assert.True(t, th.AllowAt(now))
	assert.False(t, th.AllowAt(now))
	assert.True(t, th.AllowAt(now.Add(time.Second)))

	assert.Nil(t, NewThrottle(0, 10))
	var off *Throttle
	assert.True(t, off.AllowAt(now))
}

func serve(h http.Handler, ip string) *httptest.ResponseRecorder {
	return testutil.DoRequest(h, testutil.FromClient(httptest.NewRequest(http.MethodPost, "/v1/credentials", nil), ip))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestMiddlewareLimit(t *testing.T) {
	l := New(NewMemoryStore(), WithLimit(ClassIssue, Limit{Requests: 1, Window: time.Minute}))
	h := NewMiddleware(l, nil, nil, nil).Limit(ClassIssue)(okHandler)

	rec := serve(h, "192.0.2.1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = serve(h, "192.0.2.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
}

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, WithLimit(ClassIssue, Limit{Requests: 1, Window: time.Minute}))
	h := NewMiddleware(l, nil, nil, nil).Limit(ClassIssue)(okHandler)

	assert.Equal(t, http.StatusNoContent, serve(h, "192.0.2.1").Code)
}

func TestMiddlewareThrottle(t *testing.T) {
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	h := NewMiddleware(nil, NewThrottle(1, 1), nil, m).Throttle()(okHandler)

	now := time.Now()
	req := testutil.At(httptest.NewRequest(http.MethodGet, "/v1/credentials", nil), now)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.RateLimited.WithLabelValues("global")))
}

func TestNilMiddlewarePassesThrough(t *testing.T) {
	var m *Middleware
	assert.Equal(t, http.StatusNoContent, serve(m.Limit(ClassIssue)(okHandler), "192.0.2.1").Code)
	assert.Equal(t, http.StatusNoContent, serve(m.Throttle()(okHandler), "192.0.2.1").Code)
}
