package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic reports a recovery phrase with unknown words or a bad
// checksum.
var ErrInvalidMnemonic = errors.New("identity: invalid recovery phrase")

// SeedToMnemonic renders a SeedSize seed as a 24 word BIP-39 phrase so an
// operator can back it up on paper. Seeds of other lengths came from
// passphrases and have no phrase form.
func SeedToMnemonic(seed []byte) (string, error) {
	if len(seed) != SeedSize {
		return "", fmt.Errorf("%w: got %d", ErrInvalidSeedLength, len(seed))
	}
	return bip39.NewMnemonic(seed)
}

// SeedFromMnemonic recovers the seed encoded by SeedToMnemonic.
func SeedFromMnemonic(phrase string) ([]byte, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: phrase encodes %d bytes", ErrInvalidMnemonic, len(seed))
	}
	return seed, nil
}
