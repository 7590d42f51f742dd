package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	seedEnvelopeVersion = 1
	seedEnvelopeKDF     = "argon2id"
)

var ErrWrongPassphrase = errors.New("identity: seed envelope cannot be opened with this passphrase")

// KDFParams are the argon2id cost parameters of a seed envelope.
type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// DefaultKDFParams follow the argon2 RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKB: 64 * 1024, Threads: 4}

// SeedEnvelope is the on-disk form of an encrypted seed.
type SeedEnvelope struct {
	Version     int    `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// SealSeed encrypts seed under a key stretched from passphrase.
func SealSeed(seed, passphrase []byte, params KDFParams) (*SeedEnvelope, error) {
	salt, err := randomBytes(16)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey(passphrase, salt, params.Time, params.MemoryKB, params.Threads, chacha20poly1305.KeySize)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init seed cipher: %w", err)
	}

	return &SeedEnvelope{
		Version:     seedEnvelopeVersion,
		KDF:         seedEnvelopeKDF,
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, seed, nil),
	}, nil
}

// OpenSeed decrypts env. A wrong passphrase and a tampered envelope are
// indistinguishable and both report ErrWrongPassphrase.
func OpenSeed(env *SeedEnvelope, passphrase []byte) ([]byte, error) {
	if env.Version != seedEnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrSeedCorrupt, env.Version)
	}
	if env.KDF != seedEnvelopeKDF {
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrSeedCorrupt, env.KDF)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: nonce length %d", ErrSeedCorrupt, len(env.Nonce))
	}

	key := argon2.IDKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init seed cipher: %w", err)
	}
	seed, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return seed, nil
}

// EncryptedSeedFile keeps the seed in a passphrase protected JSON envelope.
type EncryptedSeedFile struct {
	Path       string
	Passphrase []byte
	// Params applies when a new envelope is written; zero means DefaultKDFParams.
	Params KDFParams
}

func (f EncryptedSeedFile) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSeedNotFound
		}
		return nil, fmt.Errorf("read seed envelope: %w", err)
	}
	var env SeedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeedCorrupt, err)
	}
	return OpenSeed(&env, f.Passphrase)
}

func (f EncryptedSeedFile) Store(_ context.Context, seed []byte) error {
	if len(f.Passphrase) == 0 {
		return errors.New("identity: refusing to seal seed with an empty passphrase")
	}
	params := f.Params
	if params == (KDFParams{}) {
		params = DefaultKDFParams
	}
	env, err := SealSeed(seed, f.Passphrase, params)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode seed envelope: %w", err)
	}
	return writeExclusive(f.Path, append(data, '\n'))
}
