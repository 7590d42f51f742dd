// Package verify checks presented credential tokens.
//
// A verification runs decode, issuer key resolution, signature check,
// expiration check, status check and trust check in that order. The first
// three are cryptographic and stop the run on failure. The last three only set
// flags on the Result: a genuine but expired or revoked credential still reports
// Verified, and callers apply their own acceptance policy on top.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studentvc/internal/credential"
	"studentvc/internal/signer"
	"studentvc/internal/token"
)

// Reason explains why Verified is false.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonMalformed          Reason = "malformed"
	ReasonUnresolvableIssuer Reason = "unresolvable_issuer"
	ReasonBadSignature       Reason = "bad_signature"
)

// UnknownStatusPolicy decides how a subject without a known status is treated.
type UnknownStatusPolicy int

const (
	// FailOpen treats unknown subjects as active.
	FailOpen UnknownStatusPolicy = iota
	FailClosed
)

var errResolveTimeout = errors.New("verify: issuer key resolution timed out")

// Result is the outcome of one verification. Verified reflects the signature
// only; Expired, StatusActive and Trusted are independent business flags and
// are only meaningful when Verified is true.
type Result struct {
	Verified     bool       `json:"verified"`
	Reason       Reason     `json:"reason,omitempty"`
	DecodeKind   token.Kind `json:"decode_kind,omitempty"`
	Expired      bool       `json:"expired"`
	StatusActive bool       `json:"status_active"`
	Status       Status     `json:"status,omitempty"`
	Trusted      bool       `json:"trusted"`

	Issuer     string                 `json:"issuer,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Credential *credential.Credential `json:"credential,omitempty"`
	IssuedAt   *time.Time             `json:"issued_at,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	CheckedAt  time.Time              `json:"checked_at"`

	// Err carries the underlying decode or resolution failure for logs.
	Err error `json:"-"`
}

// Accepted applies the strictest policy: genuine, unexpired, active and from a
// trusted issuer.
func (r *Result) Accepted() bool {
	return r.Verified && !r.Expired && r.StatusActive && r.Trusted
}

// Outcome is a low cardinality label for metrics and audit.
func (r *Result) Outcome() string {
	switch {
	case !r.Verified:
		return string(r.Reason)
	case r.Expired:
		return "expired"
	case !r.StatusActive:
		return "inactive"
	case !r.Trusted:
		return "untrusted"
	default:
		return "accepted"
	}
}

// Pipeline holds the resolvers and policies for verification. It keeps no
// per-call state and is safe for concurrent use.
type Pipeline struct {
	keys           KeyResolver
	status         StatusResolver
	trusted        map[string]struct{}
	unknownStatus  UnknownStatusPolicy
	resolveTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

type Option func(*Pipeline)

// WithStatusResolver sets the status lookup. Without one every subject is
// unknown.
func WithStatusResolver(r StatusResolver) Option {
	return func(p *Pipeline) {
		p.status = r
	}
}

// WithTrustedIssuers limits Trusted to the given issuer identifiers. An empty
// list trusts every issuer whose key resolves.
func WithTrustedIssuers(ids ...string) Option {
	return func(p *Pipeline) {
		p.trusted = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id != "" {
				p.trusted[id] = struct{}{}
			}
		}
	}
}

func WithUnknownStatusPolicy(policy UnknownStatusPolicy) Option {
	return func(p *Pipeline) {
		p.unknownStatus = policy
	}
}

// WithResolveTimeout bounds issuer key resolution. A timeout reports
// ReasonUnresolvableIssuer.
func WithResolveTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.resolveTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// New builds a pipeline. A nil key resolver defaults to DIDKeyResolver.
func New(keys KeyResolver, opts ...Option) *Pipeline {
	if keys == nil {
		keys = DIDKeyResolver{}
	}
	p := &Pipeline{keys: keys}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("studentvc/internal/verify")
	}
	return p
}

// Verify runs a one-off verification with the default fail-open policy.
func Verify(ctx context.Context, tok string, now time.Time, keys KeyResolver, status StatusResolver) *Result {
	return New(keys, WithStatusResolver(status)).Verify(ctx, tok, now)
}

// Verify checks tok as of now. It never returns an error: every failure is
// described by the Result.
func (p *Pipeline) Verify(ctx context.Context, tok string, now time.Time) *Result {
	ctx, span := p.tracer.Start(ctx, "verify.Pipeline.Verify")
	defer span.End()

	res := p.verify(ctx, tok, now)

	span.SetAttributes(
		attribute.Bool("vc.verified", res.Verified),
		attribute.String("vc.outcome", res.Outcome()),
	)
	if res.Subject != "" {
		span.SetAttributes(attribute.String("vc.subject", res.Subject))
	}
	if !res.Verified {
		span.SetStatus(codes.Error, string(res.Reason))
	}
	return res
}

func (p *Pipeline) verify(ctx context.Context, tok string, now time.Time) *Result {
	res := &Result{CheckedAt: now, Status: StatusUnknown}

	decoded, err := token.Decode(tok)
	if err != nil {
		res.Reason = ReasonMalformed
		res.DecodeKind, _ = token.KindOf(err)
		res.Err = err
		p.logger.DebugContext(ctx, "token rejected", "reason", res.Reason, "decode_kind", res.DecodeKind, "error", err)
		return res
	}

	claims := decoded.Claims
	res.Issuer = claims.Issuer
	res.Subject = claims.Subject

	pub, err := p.resolveKey(ctx, claims.Issuer)
	if err != nil {
		res.Reason = ReasonUnresolvableIssuer
		res.Err = err
		p.logger.InfoContext(ctx, "issuer key unresolvable", "issuer", claims.Issuer, "error", err)
		return res
	}

	if !signer.Verify([]byte(decoded.SigningInput), decoded.Signature, pub) {
		res.Reason = ReasonBadSignature
		p.logger.InfoContext(ctx, "token signature invalid", "issuer", claims.Issuer, "subject", claims.Subject)
		return res
	}

	res.Verified = true
	res.Credential = claims.VC
	if claims.IssuedAt != nil {
		iat := claims.IssuedAt.Time
		res.IssuedAt = &iat
	} else {
		iat := claims.VC.IssuanceDate
		res.IssuedAt = &iat
	}
	if exp := claims.Expiration(); exp != nil {
		res.ExpiresAt = exp
		res.Expired = exp.Before(now)
	}

	res.Status = p.resolveStatus(ctx, statusQuery(claims))
	switch res.Status {
	case StatusActive:
		res.StatusActive = true
	case StatusRevoked, StatusSuperseded:
		res.StatusActive = false
	default:
		res.StatusActive = p.unknownStatus == FailOpen
	}

	if len(p.trusted) == 0 {
		res.Trusted = true
	} else {
		_, res.Trusted = p.trusted[claims.Issuer]
	}
	return res
}

func (p *Pipeline) resolveKey(ctx context.Context, issuerID string) ([]byte, error) {
	if p.resolveTimeout <= 0 {
		return checkKey(p.keys.ResolveKey(ctx, issuerID))
	}

	ctx, cancel := context.WithTimeout(ctx, p.resolveTimeout)
	defer cancel()

	type resolved struct {
		key []byte
		err error
	}
	// buffered so a resolver that ignores ctx does not leak a blocked sender
	done := make(chan resolved, 1)
	go func() {
		key, err := p.keys.ResolveKey(ctx, issuerID)
		done <- resolved{key: key, err: err}
	}()

	select {
	case r := <-done:
		return checkKey(r.key, r.err)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errResolveTimeout, ctx.Err())
	}
}

func checkKey(key []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(key) != signer.PublicKeySize {
		return nil, fmt.Errorf("verify: resolved key has %d bytes", len(key))
	}
	return key, nil
}

func statusQuery(claims *token.Claims) StatusQuery {
	q := StatusQuery{Issuer: claims.Issuer, Subject: claims.Subject, TokenID: claims.ID}
	if claims.VC != nil && claims.VC.CredentialStatus != nil {
		q.StatusID = claims.VC.CredentialStatus.ID
	}
	return q
}

func (p *Pipeline) resolveStatus(ctx context.Context, q StatusQuery) Status {
	if p.status == nil {
		return StatusUnknown
	}
	status, err := p.status.ResolveStatus(ctx, q)
	if err != nil {
		p.logger.WarnContext(ctx, "status lookup failed, treating as unknown", "subject", q.Subject, "error", err)
		return StatusUnknown
	}
	switch status {
	case StatusActive, StatusRevoked, StatusSuperseded:
		return status
	default:
		return StatusUnknown
	}
}
