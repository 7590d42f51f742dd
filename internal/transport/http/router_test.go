package httptransport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studentvc/internal/identity"
	"studentvc/internal/issuance"
	"studentvc/internal/issuance/handler"
	"studentvc/internal/platform/metrics"
	"studentvc/internal/platform/middleware"
	"studentvc/internal/ratelimit"
	"studentvc/internal/store"
	"studentvc/pkg/platform/middleware/metadata"
	"studentvc/pkg/testutil"
)

func newTestRouter(t *testing.T, health map[string]HealthCheck) (http.Handler, *identity.Key) {
	t.Helper()
	key, err := identity.Generate([]byte("router-seed"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg)
	svc := issuance.New(key, store.NewMemory(), issuance.WithMetrics(m), issuance.WithValidFor(time.Hour))

	return NewRouter(Deps{
		Document: identity.NewDocument(key),
		Gatherer: reg,
		Health:   health,
		Routes:   []Routes{handler.New(svc, nil)},
	}), key
}

func TestIssueVerifyRevokeOverHTTP(t *testing.T) {
	router, key := newTestRouter(t, nil)

	rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/v1/credentials",
		map[string]any{"subject_id": "S1", "name": "Alice", "claims": map[string]any{"title": "CS"}}))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	issued := testutil.UnmarshalResponse[handler.IssueResponse](t, rr)
	assert.Equal(t, key.Identifier(), issued.Credential.Issuer.ID)
	assert.NotEmpty(t, rr.Header().Get(middleware.RequestIDHeader))

	rr = testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/v1/verify",
		handler.VerifyRequest{Token: issued.Token}))
	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "outcome", "accepted")

	rr = testutil.DoRequest(router, testutil.NewRequest(t, http.MethodPost, "/v1/credentials/S1/revoke"))
	testutil.AssertStatus(t, rr, http.StatusNoContent)

	rr = testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/v1/credentials/S1"))
	testutil.AssertStatusOK(t, rr)
	sum := testutil.UnmarshalResponse[handler.SummaryResponse](t, rr)
	assert.True(t, sum.Verification.Verified)
	assert.False(t, sum.Verification.StatusActive)
	assert.Equal(t, "inactive", sum.Verification.Outcome)
}

func TestDIDDocument(t *testing.T) {
	router, key := newTestRouter(t, nil)

	rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/.well-known/did.json"))
	testutil.AssertStatusOK(t, rr)
	doc := testutil.UnmarshalResponse[identity.Document](t, rr)
	assert.Equal(t, key.Identifier(), doc.ID)
	require.Len(t, doc.VerificationMethod, 1)
	assert.Equal(t, identity.VerificationKeyType, doc.VerificationMethod[0].Type)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "status", "ok")

	router, _ = newTestRouter(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rr = testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/healthz"))
	testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	rr := testutil.DoRequest(router, testutil.NewJSONRequest(t, http.MethodPost, "/v1/credentials",
		map[string]any{"subject_id": "S1"}))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	rr = testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/metrics"))
	testutil.AssertStatusOK(t, rr)
	assert.Contains(t, rr.Body.String(), "studentvc_credentials_issued_total 1")
}

func TestRateLimitKeysOnResolvedClient(t *testing.T) {
	key, err := identity.Generate([]byte("router-seed"))
	require.NoError(t, err)
	svc := issuance.New(key, store.NewMemory())

	limiter := ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.WithLimit(ratelimit.ClassRead, ratelimit.Limit{Requests: 1, Window: time.Minute}))
	limits := ratelimit.NewMiddleware(limiter, nil, nil, nil)
	resolver, err := metadata.NewResolver("10.0.0.0/8")
	require.NoError(t, err)

	router := NewRouter(Deps{
		Document:  identity.NewDocument(key),
		Routes:    []Routes{handler.New(svc, nil, handler.WithRateLimit(limits))},
		RateLimit: limits,
		ClientIP:  resolver,
	})
	list := func(forwardedFor string) int {
		req := testutil.NewRequest(t, http.MethodGet, "/v1/credentials")
		req.RemoteAddr = "10.0.0.2:4321"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		return testutil.DoRequest(router, req).Code
	}

	assert.Equal(t, http.StatusOK, list("203.0.113.5"))
	assert.Equal(t, http.StatusTooManyRequests, list("203.0.113.5"))
	assert.Equal(t, http.StatusOK, list("203.0.113.6"), "each client behind the proxy has its own budget")
}
