// Package token encodes signed credentials as compact JWS/JWT strings and
// decodes them back with strict structural checks.
//
// The wire form is base64url(header) "." base64url(payload) "." base64url(sig)
// with no padding. Decode never verifies signatures; it only guarantees that
// what it returns is well formed. Signature checks live in package verify.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"studentvc/internal/credential"
	"studentvc/internal/signer"
)

const (
	separator = "."
	TypeJWT   = "JWT"
)

// Kind classifies decode failures.
type Kind string

const (
	KindMalformedStructure     Kind = "malformed_structure"
	KindInvalidEncoding        Kind = "invalid_encoding"
	KindInvalidSignatureLength Kind = "invalid_signature_length"
	KindInvalidPayloadSchema   Kind = "invalid_payload_schema"
)

var (
	ErrMalformedStructure     = errors.New("token: malformed structure")
	ErrInvalidEncoding        = errors.New("token: invalid encoding")
	ErrInvalidSignatureLength = errors.New("token: invalid signature length")
	ErrInvalidPayloadSchema   = errors.New("token: invalid payload schema")
)

func (k Kind) sentinel() error {
	switch k {
	case KindMalformedStructure:
		return ErrMalformedStructure
	case KindInvalidEncoding:
		return ErrInvalidEncoding
	case KindInvalidSignatureLength:
		return ErrInvalidSignatureLength
	default:
		return ErrInvalidPayloadSchema
	}
}

// DecodeError is returned by Decode. errors.Is matches both the Kind's
// sentinel and the underlying cause.
type DecodeError struct {
	Kind    Kind
	Segment string
	Err     error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Segment != "" {
		msg += " in " + e.Segment
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the decode kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

func decodeErr(kind Kind, segment string, err error) error {
	return &DecodeError{Kind: kind, Segment: segment, Err: err}
}

// Header is the JOSE header.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// DefaultHeader is the only header this package produces or accepts.
func DefaultHeader() Header {
	return Header{Alg: jwt.SigningMethodEdDSA.Alg(), Typ: TypeJWT}
}

// Claims is the token payload: the credential under "vc" plus the registered
// JWT claims that mirror it.
type Claims struct {
	VC *credential.Credential `json:"vc"`
	jwt.RegisteredClaims
}

// Decoded is a structurally valid token. RawHeader, RawPayload and Signature
// are the exact decoded segment bytes; SigningInput is the exact first two
// segments of the input string.
type Decoded struct {
	Header       Header
	Claims       *Claims
	RawHeader    []byte
	RawPayload   []byte
	Signature    []byte
	SigningInput string
}

var segmentEncoding = base64.RawURLEncoding.Strict()

// Encode joins the base64url encodings of header, payload and signature.
func Encode(header, payload, signature []byte) string {
	return SigningInput(header, payload) + separator + segmentEncoding.EncodeToString(signature)
}

// SigningInput returns the bytes the signature covers.
func SigningInput(header, payload []byte) string {
	return segmentEncoding.EncodeToString(header) + separator + segmentEncoding.EncodeToString(payload)
}

// Decode splits and parses tok. All failures are *DecodeError.
func Decode(tok string) (*Decoded, error) {
	parts := strings.Split(tok, separator)
	if len(parts) != 3 {
		return nil, decodeErr(KindMalformedStructure, "", fmt.Errorf("expected 3 segments, got %d", len(parts)))
	}
	names := [3]string{"header", "payload", "signature"}
	var raw [3][]byte
	for i, part := range parts {
		if part == "" {
			return nil, decodeErr(KindMalformedStructure, names[i], errors.New("empty segment"))
		}
		b, err := decodeSegment(part)
		if err != nil {
			return nil, decodeErr(KindInvalidEncoding, names[i], err)
		}
		raw[i] = b
	}

	if len(raw[2]) != signer.SignatureSize {
		return nil, decodeErr(KindInvalidSignatureLength, "signature",
			fmt.Errorf("got %d bytes, want %d", len(raw[2]), signer.SignatureSize))
	}

	header, err := parseHeader(raw[0])
	if err != nil {
		return nil, err
	}
	claims, err := parseClaims(raw[1])
	if err != nil {
		return nil, err
	}

	return &Decoded{
		Header:       header,
		Claims:       claims,
		RawHeader:    raw[0],
		RawPayload:   raw[1],
		Signature:    raw[2],
		SigningInput: tok[:len(parts[0])+len(separator)+len(parts[1])],
	}, nil
}

// decodeSegment rejects anything outside the unpadded base64url alphabet
// before decoding, since the stdlib decoder silently skips CR and LF.
func decodeSegment(s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '_') {
			return nil, fmt.Errorf("illegal character %q at offset %d", c, i)
		}
	}
	return segmentEncoding.DecodeString(s)
}

func parseHeader(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, jsonErr("header", err)
	}
	want := DefaultHeader()
	if h.Alg != want.Alg {
		return Header{}, decodeErr(KindInvalidPayloadSchema, "header", fmt.Errorf("unsupported alg %q", h.Alg))
	}
	if h.Typ != want.Typ {
		return Header{}, decodeErr(KindInvalidPayloadSchema, "header", fmt.Errorf("unsupported typ %q", h.Typ))
	}
	return h, nil
}

func parseClaims(b []byte) (*Claims, error) {
	var c Claims
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, jsonErr("payload", err)
	}
	schemaErr := func(format string, args ...any) error {
		return decodeErr(KindInvalidPayloadSchema, "payload", fmt.Errorf(format, args...))
	}

	switch {
	case c.Issuer == "":
		return nil, schemaErr("iss is required")
	case c.Subject == "":
		return nil, schemaErr("sub is required")
	case c.VC == nil:
		return nil, schemaErr("vc is required")
	}
	if err := c.VC.Validate(); err != nil {
		return nil, decodeErr(KindInvalidPayloadSchema, "payload", err)
	}
	if c.Issuer != c.VC.Issuer.ID {
		return nil, schemaErr("iss does not match vc.issuer.id")
	}
	if c.Subject != c.VC.CredentialSubject.ID {
		return nil, schemaErr("sub does not match vc.credentialSubject.id")
	}
	if c.ExpiresAt != nil && c.VC.ExpirationDate != nil && !c.ExpiresAt.Time.Equal(*c.VC.ExpirationDate) {
		return nil, schemaErr("exp does not match vc.expirationDate")
	}
	return &c, nil
}

// jsonErr separates bytes that are not JSON at all from JSON of the wrong
// shape.
func jsonErr(segment string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return decodeErr(KindInvalidEncoding, segment, err)
	}
	return decodeErr(KindInvalidPayloadSchema, segment, err)
}

// Expiration returns the expiration the token asserts, preferring exp over the
// embedded credential's expirationDate.
func (c *Claims) Expiration() *time.Time {
	if c.ExpiresAt != nil {
		t := c.ExpiresAt.Time
		return &t
	}
	if c.VC != nil && c.VC.ExpirationDate != nil {
		t := *c.VC.ExpirationDate
		return &t
	}
	return nil
}
