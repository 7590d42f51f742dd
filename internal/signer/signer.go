// Package signer signs and verifies byte strings with Ed25519 (RFC 8032).
//
// Signing is deterministic: the nonce is derived from the private key prefix and
// the message, so the same key and message always produce the same signature.
// Verification never panics and fails closed on malformed keys or signatures.
package signer

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

const (
	// PrivateKeySize is the size of an RFC 8032 private key (the seed).
	PrivateKeySize = ed25519.SeedSize
	PublicKeySize  = ed25519.PublicKeySize
	SignatureSize  = ed25519.SignatureSize
)

var ErrInvalidKeyLength = errors.New("signer: invalid private key length")

// Sign signs message with a 32-byte Ed25519 private key.
func Sign(message, privateKey []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(privateKey), PrivateKeySize)
	}
	return ed25519.Sign(ed25519.NewKeyFromSeed(privateKey), message), nil
}

// SignWithKey signs message with an expanded Go private key (seed || public).
func SignWithKey(message []byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(key), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(key, message), nil
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Wrong lengths and public keys that do not decode to a curve point
// return false. Curve arithmetic and the final comparison are constant time.
func Verify(message, signature, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
