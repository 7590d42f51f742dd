package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// DIDKeyPrefix is the method prefix of every identifier this package emits.
	DIDKeyPrefix = "did:key:"

	// multibase tag for base58btc
	multibaseBase58BTC = 'z'

	VerificationKeyType = "Ed25519VerificationKey2020"
)

// ed25519-pub multicodec, varint encoded
var ed25519Multicodec = [2]byte{0xed, 0x01}

var ErrMalformedIdentifier = errors.New("identity: malformed identifier")

// EncodeIdentifier returns the did:key identifier for pub.
func EncodeIdentifier(pub ed25519.PublicKey) string {
	return DIDKeyPrefix + encodeMultibase(pub)
}

// ParseIdentifier recovers the public key from a did:key identifier. A
// verification method fragment ("#...") is ignored.
func ParseIdentifier(id string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(id, DIDKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedIdentifier, DIDKeyPrefix)
	}
	rest, _, _ = strings.Cut(rest, "#")
	if len(rest) < 2 || rest[0] != multibaseBase58BTC {
		return nil, fmt.Errorf("%w: expected base58btc multibase value", ErrMalformedIdentifier)
	}

	raw, err := base58.Decode(rest[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrMalformedIdentifier, len(raw))
	}
	if raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: not an ed25519 public key", ErrMalformedIdentifier)
	}

	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, raw[len(ed25519Multicodec):])
	return pub, nil
}

func encodeMultibase(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	buf = append(buf, ed25519Multicodec[:]...)
	buf = append(buf, pub...)
	return string(multibaseBase58BTC) + base58.Encode(buf)
}

// Document is the DID document relying parties fetch to discover the issuer's
// verification method.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	AssertionMethod    []string             `json:"assertionMethod"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// NewDocument builds the did:key document for k.
func NewDocument(k *Key) Document {
	mb := encodeMultibase(k.public)
	methodID := k.id + "#" + mb
	return Document{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/ed25519-2020/v1",
		},
		ID: k.id,
		VerificationMethod: []VerificationMethod{{
			ID:                 methodID,
			Type:               VerificationKeyType,
			Controller:         k.id,
			PublicKeyMultibase: mb,
		}},
		Authentication:  []string{methodID},
		AssertionMethod: []string{methodID},
	}
}
