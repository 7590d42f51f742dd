package verify

import (
	"context"
	"crypto/ed25519"

	"studentvc/internal/identity"
)

// Status is a subject's credential status as seen by a StatusResolver.
type Status string

const (
	StatusActive     Status = "active"
	StatusRevoked    Status = "revoked"
	// StatusSuperseded means the subject has a newer credential than the one
	// presented.
	StatusSuperseded Status = "superseded"
	StatusUnknown    Status = "unknown"
)

// StatusQuery identifies the presented credential. TokenID is the jti and
// StatusID the credentialStatus id; either may be empty.
type StatusQuery struct {
	Issuer   string
	Subject  string
	TokenID  string
	StatusID string
}

// KeyResolver maps an issuer identifier to its Ed25519 public key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, issuerID string) (ed25519.PublicKey, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, issuerID string) (ed25519.PublicKey, error)

func (f KeyResolverFunc) ResolveKey(ctx context.Context, issuerID string) (ed25519.PublicKey, error) {
	return f(ctx, issuerID)
}

// StatusResolver answers whether the presented credential is active.
type StatusResolver interface {
	ResolveStatus(ctx context.Context, q StatusQuery) (Status, error)
}

type StatusResolverFunc func(ctx context.Context, q StatusQuery) (Status, error)

func (f StatusResolverFunc) ResolveStatus(ctx context.Context, q StatusQuery) (Status, error) {
	return f(ctx, q)
}

// DIDKeyResolver resolves did:key identifiers without any I/O.
type DIDKeyResolver struct{}

func (DIDKeyResolver) ResolveKey(_ context.Context, issuerID string) (ed25519.PublicKey, error) {
	return identity.ParseIdentifier(issuerID)
}
