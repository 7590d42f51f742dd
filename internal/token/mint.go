package token

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"studentvc/internal/credential"
	"studentvc/internal/signer"
)

var ErrIssuerMismatch = errors.New("token: credential issuer does not match signing key")

// Signer is the issuing key. *identity.Key satisfies it.
type Signer interface {
	Identifier() string
	Sign(message []byte) ([]byte, error)
}

// MintOption customizes registered claims on a minted token.
type MintOption func(*jwt.RegisteredClaims)

// WithAudience sets the aud claim.
func WithAudience(aud ...string) MintOption {
	return func(rc *jwt.RegisteredClaims) {
		rc.Audience = aud
	}
}

// Mint signs vc with s and returns the compact token. iss, sub, iat, nbf, exp
// and jti mirror the credential so the payload is self-consistent.
func Mint(s Signer, vc *credential.Credential, opts ...MintOption) (string, error) {
	if vc == nil {
		return "", errors.New("token: nil credential")
	}
	if err := vc.Validate(); err != nil {
		return "", err
	}
	if vc.Issuer.ID != s.Identifier() {
		return "", ErrIssuerMismatch
	}

	claims := Claims{
		VC: vc,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    vc.Issuer.ID,
			Subject:   vc.CredentialSubject.ID,
			IssuedAt:  jwt.NewNumericDate(vc.IssuanceDate),
			NotBefore: jwt.NewNumericDate(vc.IssuanceDate),
			ID:        vc.ID,
		},
	}
	if vc.ExpirationDate != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*vc.ExpirationDate)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&claims.RegisteredClaims)
		}
	}

	header, err := json.Marshal(DefaultHeader())
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	sig, err := s.Sign([]byte(SigningInput(header, payload)))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if len(sig) != signer.SignatureSize {
		return "", fmt.Errorf("sign token: %w", ErrInvalidSignatureLength)
	}
	return Encode(header, payload, sig), nil
}
