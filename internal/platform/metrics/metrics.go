package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for issuance, verification and
// storage. All methods are nil safe so services can run without metrics.
type Metrics struct {
	CredentialsIssued      prometheus.Counter
	CredentialsRevoked     prometheus.Counter
	CredentialsReactivated prometheus.Counter

	// Verification outcomes: accepted, expired, inactive, untrusted, or a
	// failure reason.
	Verifications  *prometheus.CounterVec
	VerifyDuration prometheus.Histogram

	StoreOpDuration *prometheus.HistogramVec

	// Requests rejected by rate limiting, by endpoint class; "global" counts
	// the overall throttle.
	RateLimited *prometheus.CounterVec

	AuditDropped prometheus.Counter
}

// New registers all collectors on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg; tests pass a fresh prometheus.Registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CredentialsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "studentvc_credentials_issued_total",
			Help: "Total number of credentials issued",
		}),
		CredentialsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "studentvc_credentials_revoked_total",
			Help: "Total number of credentials revoked",
		}),
		CredentialsReactivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "studentvc_credentials_reactivated_total",
			Help: "Total number of revoked credentials made active again",
		}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studentvc_verifications_total",
			Help: "Total verifications by outcome",
		}, []string{"outcome"}),
		VerifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "studentvc_verify_duration_seconds",
			Help:    "Duration of token verification including status lookup",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1},
		}),
		StoreOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studentvc_store_op_duration_seconds",
			Help:    "Duration of credential store operations by backend and operation",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"backend", "op"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "studentvc_rate_limited_total",
			Help: "Total requests rejected by rate limiting",
		}, []string{"class"}),
		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "studentvc_audit_events_dropped_total",
			Help: "Audit events dropped because the publish queue was full",
		}),
	}
}

func (m *Metrics) IncrementIssued() {
	if m != nil {
		m.CredentialsIssued.Inc()
	}
}

func (m *Metrics) AddRevoked(n int) {
	if m != nil && n > 0 {
		m.CredentialsRevoked.Add(float64(n))
	}
}

func (m *Metrics) IncrementReactivated() {
	if m != nil {
		m.CredentialsReactivated.Inc()
	}
}

// ObserveVerification records one verification that started at start.
func (m *Metrics) ObserveVerification(outcome string, start time.Time) {
	if m != nil {
		m.Verifications.WithLabelValues(outcome).Inc()
		m.VerifyDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveStoreOp(backend, op string, start time.Time) {
	if m != nil {
		m.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncrementRateLimited(class string) {
	if m != nil {
		m.RateLimited.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) IncrementAuditDropped() {
	if m != nil {
		m.AuditDropped.Inc()
	}
}
