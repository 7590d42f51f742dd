// Package issuance orchestrates the credential lifecycle: it builds, signs and
// records credentials for the configured issuer, verifies presented and stored
// tokens, and flips revocation status. Every state change is logged, counted
// and published as an audit event.
package issuance

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"studentvc/internal/audit"
	"studentvc/internal/credential"
	"studentvc/internal/platform/metrics"
	"studentvc/internal/store"
	"studentvc/internal/token"
	"studentvc/internal/verify"
	dErrors "studentvc/pkg/domain-errors"
	"studentvc/pkg/platform/sentinel"
	"studentvc/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks CredentialStore,AuditPublisher

// StatusType names the status mechanism referenced from issued credentials:
// the issuer's own credential store.
const StatusType = "StudentCredentialStoreStatus"

const listConcurrency = 8

// CredentialStore persists one record per subject.
type CredentialStore interface {
	Put(ctx context.Context, subjectID, token string, status store.Status) (*store.Record, error)
	Insert(ctx context.Context, subjectID, token string, status store.Status) (*store.Record, error)
	Get(ctx context.Context, subjectID string) (*store.Record, error)
	List(ctx context.Context) ([]*store.Record, error)
	SetStatus(ctx context.Context, subjectID string, status store.Status) (bool, error)
	SetStatusMany(ctx context.Context, subjectIDs []string, status store.Status) ([]string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// DuplicatePolicy decides what Issue does when the subject already has a
// credential.
type DuplicatePolicy int

const (
	// DuplicateOverwrite replaces the stored credential and resets its status.
	DuplicateOverwrite DuplicatePolicy = iota
	DuplicateReject
)

// IssueRequest describes a credential to issue. Name is a shortcut for the
// "name" claim. ExpiresAt wins over ValidFor; with neither, the service
// default validity applies.
type IssueRequest struct {
	SubjectID string
	Name      string
	Claims    map[string]any
	ValidFor  time.Duration
	ExpiresAt *time.Time
	Audience  []string
}

type IssueResult struct {
	Token      string
	Credential *credential.Credential
	Record     *store.Record
}

// Summary pairs a stored record with a fresh verification of its token.
type Summary struct {
	Record *store.Record
	Result *verify.Result
}

// Service orchestrates issuance and verification for a single issuer.
type Service struct {
	signer         token.Signer
	issuerName     string
	store          CredentialStore
	pipeline       *verify.Pipeline
	verifyOpts     []verify.Option
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	clock          func() time.Time
	validFor       time.Duration
	duplicates     DuplicatePolicy
	strictDates    bool
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithClock overrides the request-scoped time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithIssuerName(name string) Option {
	return func(s *Service) {
		s.issuerName = name
	}
}

// WithValidFor sets the default validity of issued credentials. Zero issues
// credentials without an expiration.
func WithValidFor(d time.Duration) Option {
	return func(s *Service) {
		s.validFor = d
	}
}

func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(s *Service) {
		s.duplicates = p
	}
}

func WithStrictDates(strict bool) Option {
	return func(s *Service) {
		s.strictDates = strict
	}
}

// WithVerifyOptions configures the verification pipeline (trust set, unknown
// status policy, resolve timeout). The status resolver is always the store.
// Without a trust set only the service's own issuer is trusted.
func WithVerifyOptions(opts ...verify.Option) Option {
	return func(s *Service) {
		s.verifyOpts = append(s.verifyOpts, opts...)
	}
}

// New constructs a Service issuing as signer and recording into credentials.
func New(signer token.Signer, credentials CredentialStore, opts ...Option) *Service {
	s := &Service{signer: signer, store: credentials}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("studentvc/internal/issuance")
	}
	// later options win, so a configured trust set replaces the default
	pipelineOpts := append([]verify.Option{
		verify.WithLogger(s.logger),
		verify.WithTracer(s.tracer),
		verify.WithTrustedIssuers(signer.Identifier()),
	}, s.verifyOpts...)
	pipelineOpts = append(pipelineOpts, verify.WithStatusResolver(store.StatusResolver(s.store, signer.Identifier())))
	s.pipeline = verify.New(verify.DIDKeyResolver{}, pipelineOpts...)
	return s
}

// IssuerID is the identifier credentials are issued under.
func (s *Service) IssuerID() string {
	return s.signer.Identifier()
}

func (s *Service) now(ctx context.Context) time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return requestcontext.Now(ctx)
}

// Issue builds, signs and records a credential for req.SubjectID.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Service.Issue",
		trace.WithAttributes(attribute.String("vc.subject", req.SubjectID)))
	defer span.End()

	now := s.now(ctx)
	claims := maps.Clone(req.Claims)
	if req.Name != "" {
		if claims == nil {
			claims = make(map[string]any, 1)
		}
		claims["name"] = req.Name
	}

	vc, err := credential.Build(credential.BuildParams{
		IssuerID:    s.signer.Identifier(),
		IssuerName:  s.issuerName,
		SubjectID:   req.SubjectID,
		Claims:      claims,
		IssuedAt:    now,
		ExpiresAt:   s.expiration(now, req),
		Status:      &credential.Status{ID: "urn:uuid:" + uuid.NewString(), Type: StatusType},
		StrictDates: s.strictDates,
	})
	if err != nil {
		span.SetStatus(codes.Error, "build")
		return nil, dErrors.New(dErrors.CodeValidation, err.Error())
	}

	var mintOpts []token.MintOption
	if len(req.Audience) > 0 {
		mintOpts = append(mintOpts, token.WithAudience(req.Audience...))
	}
	tok, err := token.Mint(s.signer, vc, mintOpts...)
	if err != nil {
		span.SetStatus(codes.Error, "mint")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign credential")
	}

	var rec *store.Record
	if s.duplicates == DuplicateReject {
		rec, err = s.store.Insert(ctx, req.SubjectID, tok, store.StatusActive)
	} else {
		rec, err = s.store.Put(ctx, req.SubjectID, tok, store.StatusActive)
	}
	if err != nil {
		span.SetStatus(codes.Error, "store")
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "a credential has already been issued for this subject")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store credential")
	}

	s.logAudit(ctx, audit.Event{
		Action:       audit.ActionIssued,
		SubjectID:    req.SubjectID,
		CredentialID: vc.ID,
	}, "version", rec.Version)
	s.metrics.IncrementIssued()

	return &IssueResult{Token: tok, Credential: vc, Record: rec}, nil
}

func (s *Service) expiration(now time.Time, req IssueRequest) *time.Time {
	if req.ExpiresAt != nil {
		e := *req.ExpiresAt
		return &e
	}
	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = s.validFor
	}
	if validFor <= 0 {
		return nil
	}
	e := now.Add(validFor)
	return &e
}

// Verify checks a presented token. Adversarial input never produces an error;
// the Result explains every rejection.
func (s *Service) Verify(ctx context.Context, tok string) (*verify.Result, error) {
	res := s.verify(ctx, tok)
	s.logAudit(ctx, audit.Event{
		Action:    audit.ActionVerified,
		IssuerID:  res.Issuer,
		SubjectID: res.Subject,
		Decision:  decision(res),
		Reason:    res.Outcome(),
	})
	return res, nil
}

// VerifyStored re-verifies the token recorded for subjectID. A missing record
// is reported as not found.
func (s *Service) VerifyStored(ctx context.Context, subjectID string) (*Summary, error) {
	rec, err := s.get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &Summary{Record: rec, Result: s.verify(ctx, rec.Token)}, nil
}

func (s *Service) verify(ctx context.Context, tok string) *verify.Result {
	start := time.Now()
	res := s.pipeline.Verify(ctx, tok, s.now(ctx))
	s.metrics.ObserveVerification(res.Outcome(), start)
	return res
}

// List verifies every stored credential concurrently. Results keep the store's
// order.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	ctx, span := s.tracer.Start(ctx, "issuance.Service.List")
	defer span.End()

	records, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list credentials")
	}

	out := make([]Summary, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			out[i] = Summary{Record: rec, Result: s.verify(gctx, rec.Token)}
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("vc.count", len(out)))
	return out, nil
}

// Get returns the stored record for subjectID.
func (s *Service) Get(ctx context.Context, subjectID string) (*store.Record, error) {
	return s.get(ctx, subjectID)
}

func (s *Service) get(ctx context.Context, subjectID string) (*store.Record, error) {
	rec, err := s.store.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no credential recorded for subject")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential")
	}
	return rec, nil
}

// Revoke marks the subject's credential revoked. Revoking twice is not an
// error.
func (s *Service) Revoke(ctx context.Context, subjectID string) error {
	if err := s.setStatus(ctx, subjectID, store.StatusRevoked); err != nil {
		return err
	}
	s.logAudit(ctx, audit.Event{Action: audit.ActionRevoked, SubjectID: subjectID})
	s.metrics.AddRevoked(1)
	return nil
}

// Reactivate restores a revoked credential.
func (s *Service) Reactivate(ctx context.Context, subjectID string) error {
	if err := s.setStatus(ctx, subjectID, store.StatusActive); err != nil {
		return err
	}
	s.logAudit(ctx, audit.Event{Action: audit.ActionReactivated, SubjectID: subjectID})
	s.metrics.IncrementReactivated()
	return nil
}

// RevokeMany revokes every known subject in subjectIDs and returns the ones
// that were updated. Unknown subjects are skipped.
func (s *Service) RevokeMany(ctx context.Context, subjectIDs []string) ([]string, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	updated, err := s.store.SetStatusMany(ctx, subjectIDs, store.StatusRevoked)
	if err != nil {
		return updated, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke credentials")
	}
	for _, id := range updated {
		s.logAudit(ctx, audit.Event{Action: audit.ActionRevoked, SubjectID: id})
	}
	s.metrics.AddRevoked(len(updated))
	return updated, nil
}

func (s *Service) setStatus(ctx context.Context, subjectID string, status store.Status) error {
	if subjectID == "" {
		return dErrors.New(dErrors.CodeValidation, "subject id is required")
	}
	ok, err := s.store.SetStatus(ctx, subjectID, status)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update credential status")
	}
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "no credential recorded for subject")
	}
	return nil
}

func decision(res *verify.Result) string {
	if res.Accepted() {
		return "accepted"
	}
	return "rejected"
}

func (s *Service) logAudit(ctx context.Context, event audit.Event, attributes ...any) {
	event.RequestID = requestcontext.RequestID(ctx)
	event.RequestingParty = audit.RequestingParty(requestcontext.UserAgent(ctx))
	// Verified events carry the presented token's issuer, which may be foreign.
	if event.IssuerID == "" && event.Action != audit.ActionVerified {
		event.IssuerID = s.signer.Identifier()
	}

	args := append(attributes,
		"event", string(event.Action),
		"log_type", "audit",
		"subject_id", event.SubjectID,
	)
	if event.RequestID != "" {
		args = append(args, "request_id", event.RequestID)
	}
	if event.Reason != "" {
		args = append(args, "outcome", event.Reason)
	}
	s.logger.InfoContext(ctx, string(event.Action), args...)

	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"event", string(event.Action),
			"error", err,
		)
	}
}
