package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SeedSize is the length of seeds created by NewRandomSeed.
const SeedSize = 32

var (
	// ErrSeedNotFound is returned by SeedSource.Load when no seed has been
	// persisted yet. It is the only error that lets LoadOrInit create a seed.
	ErrSeedNotFound = errors.New("identity: seed not found")
	// ErrSeedExists is returned by SeedSource.Store when another writer
	// persisted a seed first.
	ErrSeedExists = errors.New("identity: seed already exists")
	// ErrSeedReadOnly is returned by sources that cannot persist a seed.
	ErrSeedReadOnly = errors.New("identity: seed source is read-only")
	ErrSeedCorrupt  = errors.New("identity: stored seed is corrupt")
)

// SeedSource is where the issuer seed lives. The seed, not the derived key, is
// the persisted secret.
type SeedSource interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, seed []byte) error
}

// LoadOrInit returns the issuer key for src. A present seed is always used as
// is; an absent seed is created, persisted and then used. created reports which
// branch ran. Any load failure other than ErrSeedNotFound is returned without
// touching the source.
func LoadOrInit(ctx context.Context, src SeedSource) (key *Key, created bool, err error) {
	seed, err := src.Load(ctx)
	switch {
	case err == nil:
		key, err = Generate(seed)
		return key, false, err
	case !errors.Is(err, ErrSeedNotFound):
		return nil, false, fmt.Errorf("load issuer seed: %w", err)
	}

	seed, err = NewRandomSeed()
	if err != nil {
		return nil, false, err
	}
	if err := src.Store(ctx, seed); err != nil {
		if !errors.Is(err, ErrSeedExists) {
			return nil, false, fmt.Errorf("store issuer seed: %w", err)
		}
		// lost the race to a concurrent initializer; use its seed
		seed, err = src.Load(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("reload issuer seed: %w", err)
		}
		key, err = Generate(seed)
		return key, false, err
	}

	key, err = Generate(seed)
	return key, true, err
}

// NewRandomSeed draws SeedSize bytes from the entropy source.
func NewRandomSeed() ([]byte, error) {
	return randomBytes(SeedSize)
}

// StaticSeed is a seed supplied by configuration. An empty value reports
// ErrSeedNotFound; Store always fails because configuration is not writable.
type StaticSeed []byte

func (s StaticSeed) Load(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrSeedNotFound
	}
	return append([]byte(nil), s...), nil
}

func (s StaticSeed) Store(context.Context, []byte) error {
	return ErrSeedReadOnly
}

// SeedFile keeps the seed hex encoded in a 0600 file.
type SeedFile struct {
	Path string
}

func (f SeedFile) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSeedNotFound
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSeedCorrupt, f.Path)
	}
	return seed, nil
}

func (f SeedFile) Store(_ context.Context, seed []byte) error {
	return writeExclusive(f.Path, []byte(hex.EncodeToString(seed)+"\n"))
}

// writeExclusive creates path with mode 0600 and fails with ErrSeedExists if
// it is already there. The content is staged in a temp file and hard linked
// into place so readers never observe a partial write.
func writeExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create seed directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".seed-*")
	if err != nil {
		return fmt.Errorf("create temp seed file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp seed file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp seed file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp seed file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp seed file: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrSeedExists
		}
		return fmt.Errorf("install seed file: %w", err)
	}
	return nil
}
