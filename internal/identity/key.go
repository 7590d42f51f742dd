// Package identity owns the issuer's Ed25519 key and its self-certifying
// identifier.
//
// A Key is either derived deterministically from a seed (SHA-256 of the seed
// bytes becomes the Ed25519 private seed) or drawn from crypto/rand. The seed is
// the long-lived secret: a service that always starts from the same seed always
// presents the same identifier, with no key database involved.
//
// Identifiers use the did:key method: "did:key:z" followed by the base58btc
// encoding of the ed25519-pub multicodec header and the 32-byte public key.
// The identifier is a pure function of the public key, so any holder of a
// token can recover the verification key from the issuer field alone.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"studentvc/internal/signer"
)

var (
	// ErrKeyGeneration reports an entropy source failure on the random path.
	ErrKeyGeneration = errors.New("identity: key generation failed")
	// ErrInvalidSeedLength reports private key material that is not 32 bytes.
	ErrInvalidSeedLength = errors.New("identity: private seed must be 32 bytes")
)

// randReader is swapped in tests to simulate entropy exhaustion.
var randReader io.Reader = rand.Reader

// Key is an Ed25519 keypair plus its derived identifier. The zero value is not
// usable; construct with Generate, FromPrivateSeed or LoadOrInit.
type Key struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	id      string
}

// Generate derives a key from seed, or draws a random key when seed is empty.
// The deterministic path cannot fail.
func Generate(seed []byte) (*Key, error) {
	if len(seed) > 0 {
		digest := sha256.Sum256(seed)
		return FromPrivateSeed(digest[:])
	}

	private, err := randomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return FromPrivateSeed(private)
}

// FromPrivateSeed builds a key from 32 bytes of RFC 8032 private key material.
func FromPrivateSeed(private []byte) (*Key, error) {
	if len(private) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSeedLength, len(private))
	}
	priv := ed25519.NewKeyFromSeed(private)
	pub := priv.Public().(ed25519.PublicKey)
	return &Key{
		private: priv,
		public:  pub,
		id:      EncodeIdentifier(pub),
	}, nil
}

// Identifier returns the did:key identifier for the public key.
func (k *Key) Identifier() string {
	return k.id
}

// PublicKey returns a copy of the 32-byte public key.
func (k *Key) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), k.public...)
}

// PrivateSeed returns a copy of the 32-byte private key material. Callers own
// the copy and should not log or persist it outside a protected store.
func (k *Key) PrivateSeed() []byte {
	return append([]byte(nil), k.private.Seed()...)
}

// Sign signs message with the private key.
func (k *Key) Sign(message []byte) ([]byte, error) {
	return signer.SignWithKey(message, k.private)
}

// String never includes key material.
func (k *Key) String() string {
	return "identity.Key(" + k.id + ")"
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return buf, nil
}
