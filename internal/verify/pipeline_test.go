package verify

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"studentvc/internal/credential"
	"studentvc/internal/identity"
	"studentvc/internal/token"
)

type PipelineSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	issuer   *identity.Key
	statuses map[string]Status
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	key, err := identity.Generate([]byte("seed-A"))
	s.Require().NoError(err)
	s.issuer = key
	s.statuses = map[string]Status{}
}

func (s *PipelineSuite) statusResolver() StatusResolver {
	return StatusResolverFunc(func(_ context.Context, q StatusQuery) (Status, error) {
		st, ok := s.statuses[q.Subject]
		if !ok {
			return StatusUnknown, nil
		}
		return st, nil
	})
}

func (s *PipelineSuite) issue(key *identity.Key, subject string, expires time.Time) string {
	vc, err := credential.Build(credential.BuildParams{
		IssuerID:   key.Identifier(),
		IssuerName: "Example University",
		SubjectID:  subject,
		Claims:     map[string]any{"name": "Alice", "title": "CS"},
		IssuedAt:   s.now,
		ExpiresAt:  &expires,
	})
	s.Require().NoError(err)
	tok, err := token.Mint(key, vc)
	s.Require().NoError(err)
	s.statuses[subject] = StatusActive
	return tok
}

func (s *PipelineSuite) pipeline(opts ...Option) *Pipeline {
	return New(DIDKeyResolver{}, append([]Option{WithStatusResolver(s.statusResolver())}, opts...)...)
}

func (s *PipelineSuite) TestValidCredential() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(0, 0, 365))

	res := s.pipeline().Verify(s.ctx, tok, s.now)

	s.True(res.Verified)
	s.Equal(ReasonNone, res.Reason)
	s.False(res.Expired)
	s.True(res.StatusActive)
	s.True(res.Trusted)
	s.True(res.Accepted())
	s.Equal("accepted", res.Outcome())
	s.Equal(s.issuer.Identifier(), res.Issuer)
	s.Equal("S1", res.Subject)
	s.Equal("Alice", res.Credential.CredentialSubject.Claim("name"))
	s.True(s.now.Equal(*res.IssuedAt))
	s.True(s.now.AddDate(0, 0, 365).Equal(*res.ExpiresAt))
	s.Equal(s.now, res.CheckedAt)
}

func (s *PipelineSuite) TestReplacedSignatureTailIsBadSignature() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	tampered := tok[:len(tok)-5] + "AAAAA"

	res := s.pipeline().Verify(s.ctx, tampered, s.now)

	s.False(res.Verified)
	s.Equal(ReasonBadSignature, res.Reason)
	s.Nil(res.Credential)
	s.False(res.Accepted())
}

func (s *PipelineSuite) TestEverySingleCharacterTamperIsRejected() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	p := s.pipeline()

	for i := 0; i < len(tok); i++ {
		if tok[i] == '.' {
			continue
		}
		b := []byte(tok)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		res := p.Verify(s.ctx, string(b), s.now)
		s.False(res.Verified, "tamper at offset %d (%s)", i, res.Reason)
	}
}

func (s *PipelineSuite) TestSameSeedSameIssuer() {
	first := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	again, err := identity.Generate([]byte("seed-A"))
	s.Require().NoError(err)
	second := s.issue(again, "S2", s.now.AddDate(1, 0, 0))

	p := s.pipeline()
	r1 := p.Verify(s.ctx, first, s.now)
	r2 := p.Verify(s.ctx, second, s.now)

	s.True(r1.Verified)
	s.True(r2.Verified)
	s.Equal(r1.Credential.Issuer.ID, r2.Credential.Issuer.ID)
}

func (s *PipelineSuite) TestExpiredCredentialIsStillGenuine() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(-1, 0, 0))

	res := s.pipeline().Verify(s.ctx, tok, s.now)

	s.True(res.Verified)
	s.True(res.Expired)
	s.True(res.StatusActive)
	s.False(res.Accepted())
	s.Equal("expired", res.Outcome())
}

func (s *PipelineSuite) TestExpirationBoundary() {
	exp := s.now.Add(time.Hour)
	tok := s.issue(s.issuer, "S1", exp)
	p := s.pipeline()

	s.False(p.Verify(s.ctx, tok, exp).Expired, "exp equal to now is not yet expired")
	s.True(p.Verify(s.ctx, tok, exp.Add(time.Second)).Expired)
}

func (s *PipelineSuite) TestRevokedCredentialIsStillGenuine() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	p := s.pipeline()
	s.True(p.Verify(s.ctx, tok, s.now).StatusActive)

	s.statuses["S1"] = StatusRevoked
	res := p.Verify(s.ctx, tok, s.now)

	s.True(res.Verified)
	s.False(res.StatusActive)
	s.Equal(StatusRevoked, res.Status)
	s.Equal("inactive", res.Outcome())
}

func (s *PipelineSuite) TestSupersededCredentialIsInactive() {
	expires := s.now.AddDate(1, 0, 0)
	vc, err := credential.Build(credential.BuildParams{
		IssuerID:  s.issuer.Identifier(),
		SubjectID: "S1",
		IssuedAt:  s.now,
		ExpiresAt: &expires,
		Status:    &credential.Status{ID: "urn:uuid:status-1", Type: "StudentCredentialStoreStatus"},
	})
	s.Require().NoError(err)
	tok, err := token.Mint(s.issuer, vc)
	s.Require().NoError(err)

	var got StatusQuery
	p := New(DIDKeyResolver{}, WithStatusResolver(StatusResolverFunc(func(_ context.Context, q StatusQuery) (Status, error) {
		got = q
		return StatusSuperseded, nil
	})))
	res := p.Verify(s.ctx, tok, s.now)

	s.True(res.Verified)
	s.False(res.StatusActive)
	s.Equal(StatusSuperseded, res.Status)
	s.Equal("inactive", res.Outcome())
	s.Equal(StatusQuery{
		Issuer:   s.issuer.Identifier(),
		Subject:  "S1",
		TokenID:  vc.ID,
		StatusID: "urn:uuid:status-1",
	}, got)
}

func (s *PipelineSuite) TestTwoSegmentTokenNeverReachesResolver() {
	var calls atomic.Int32
	keys := KeyResolverFunc(func(context.Context, string) (ed25519.PublicKey, error) {
		calls.Add(1)
		return nil, errors.New("unexpected")
	})
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	twoSegments := tok[:strings.LastIndex(tok, ".")]

	res := New(keys).Verify(s.ctx, twoSegments, s.now)

	s.False(res.Verified)
	s.Equal(ReasonMalformed, res.Reason)
	s.Equal(token.KindMalformedStructure, res.DecodeKind)
	s.ErrorIs(res.Err, token.ErrMalformedStructure)
	s.Zero(calls.Load())
}

func (s *PipelineSuite) TestDecodeKindsSurface() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	parts := strings.Split(tok, ".")

	res := s.pipeline().Verify(s.ctx, parts[0]+"."+parts[1]+"."+parts[2][:84], s.now)
	s.Equal(ReasonMalformed, res.Reason)
	s.Equal(token.KindInvalidSignatureLength, res.DecodeKind)

	res = s.pipeline().Verify(s.ctx, parts[0]+".%%%."+parts[2], s.now)
	s.Equal(token.KindInvalidEncoding, res.DecodeKind)
}

func (s *PipelineSuite) TestUnresolvableIssuer() {
	s.Run("unknown issuer", func() {
		keys := KeyResolverFunc(func(context.Context, string) (ed25519.PublicKey, error) {
			return nil, errors.New("issuer not registered")
		})
		tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
		res := New(keys).Verify(s.ctx, tok, s.now)
		s.False(res.Verified)
		s.Equal(ReasonUnresolvableIssuer, res.Reason)
		s.Equal(s.issuer.Identifier(), res.Issuer)
	})

	s.Run("resolver returns a short key", func() {
		keys := KeyResolverFunc(func(context.Context, string) (ed25519.PublicKey, error) {
			return make(ed25519.PublicKey, 16), nil
		})
		tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
		res := New(keys).Verify(s.ctx, tok, s.now)
		s.Equal(ReasonUnresolvableIssuer, res.Reason)
	})

	s.Run("resolver times out", func() {
		release := make(chan struct{})
		defer close(release)
		keys := KeyResolverFunc(func(context.Context, string) (ed25519.PublicKey, error) {
			<-release
			return nil, nil
		})
		tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
		res := New(keys, WithResolveTimeout(20*time.Millisecond)).Verify(s.ctx, tok, s.now)
		s.Equal(ReasonUnresolvableIssuer, res.Reason)
		s.ErrorIs(res.Err, errResolveTimeout)
	})
}

func (s *PipelineSuite) TestForeignKeyIsBadSignature() {
	other, err := identity.Generate([]byte("seed-B"))
	s.Require().NoError(err)
	keys := KeyResolverFunc(func(context.Context, string) (ed25519.PublicKey, error) {
		return other.PublicKey(), nil
	})
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))

	res := New(keys).Verify(s.ctx, tok, s.now)
	s.Equal(ReasonBadSignature, res.Reason)
}

func (s *PipelineSuite) TestUnknownStatusPolicy() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	delete(s.statuses, "S1")

	open := s.pipeline().Verify(s.ctx, tok, s.now)
	s.True(open.Verified)
	s.Equal(StatusUnknown, open.Status)
	s.True(open.StatusActive)

	closed := s.pipeline(WithUnknownStatusPolicy(FailClosed)).Verify(s.ctx, tok, s.now)
	s.True(closed.Verified)
	s.False(closed.StatusActive)

	failing := New(nil, WithStatusResolver(StatusResolverFunc(func(context.Context, StatusQuery) (Status, error) {
		return "", errors.New("store offline")
	}))).Verify(s.ctx, tok, s.now)
	s.True(failing.Verified, "status errors never change the cryptographic verdict")
	s.Equal(StatusUnknown, failing.Status)
	s.True(failing.StatusActive)

	noResolver := Verify(s.ctx, tok, s.now, DIDKeyResolver{}, nil)
	s.True(noResolver.Verified)
	s.Equal(StatusUnknown, noResolver.Status)
}

func (s *PipelineSuite) TestTrustPolicy() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))

	s.True(s.pipeline(WithTrustedIssuers(s.issuer.Identifier())).Verify(s.ctx, tok, s.now).Trusted)

	res := s.pipeline(WithTrustedIssuers("did:key:z6MkSomeoneElse")).Verify(s.ctx, tok, s.now)
	s.True(res.Verified)
	s.False(res.Trusted)
	s.Equal("untrusted", res.Outcome())
}

func (s *PipelineSuite) TestConcurrentVerification() {
	tok := s.issue(s.issuer, "S1", s.now.AddDate(1, 0, 0))
	p := New(nil)

	done := make(chan bool, 32)
	for range 32 {
		go func() {
			done <- p.Verify(s.ctx, tok, s.now).Verified
		}()
	}
	for range 32 {
		s.True(<-done)
	}
}
