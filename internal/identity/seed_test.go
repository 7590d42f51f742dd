package identity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = KDFParams{Time: 1, MemoryKB: 8 * 1024, Threads: 1}

type brokenSource struct{ err error }

func (b brokenSource) Load(context.Context) ([]byte, error) { return nil, b.err }
func (b brokenSource) Store(context.Context, []byte) error  { return errors.New("must not be called") }

func TestLoadOrInitStaticSeed(t *testing.T) {
	ctx := context.Background()

	key, created, err := LoadOrInit(ctx, StaticSeed("seed-A"))
	require.NoError(t, err)
	assert.False(t, created)

	want, err := Generate([]byte("seed-A"))
	require.NoError(t, err)
	assert.Equal(t, want.Identifier(), key.Identifier())

	_, _, err = LoadOrInit(ctx, StaticSeed(nil))
	assert.ErrorIs(t, err, ErrSeedReadOnly)
}

func TestLoadOrInitSeedFile(t *testing.T) {
	ctx := context.Background()
	src := SeedFile{Path: filepath.Join(t.TempDir(), "keys", "issuer.seed")}

	first, created, err := LoadOrInit(ctx, src)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(src.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrInit(ctx, src)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Identifier(), second.Identifier(), "identifier must survive restarts")
}

func TestLoadOrInitNeverRegeneratesOnLoadFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt seed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "issuer.seed")
		require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))

		_, _, err := LoadOrInit(ctx, SeedFile{Path: path})
		require.ErrorIs(t, err, ErrSeedCorrupt)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "not hex", string(data))
	})

	t.Run("io error", func(t *testing.T) {
		ioErr := errors.New("permission denied")
		_, _, err := LoadOrInit(ctx, brokenSource{err: ioErr})
		require.ErrorIs(t, err, ioErr)
	})
}

func TestLoadOrInitConcurrentInitializersAgree(t *testing.T) {
	ctx := context.Background()
	src := SeedFile{Path: filepath.Join(t.TempDir(), "issuer.seed")}

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, _, err := LoadOrInit(ctx, src)
			if assert.NoError(t, err) {
				ids[i] = key.Identifier()
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestEncryptedSeedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "issuer.seed.json")
	src := EncryptedSeedFile{Path: path, Passphrase: []byte("correct horse"), Params: testKDF}

	first, created, err := LoadOrInit(ctx, src)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrInit(ctx, src)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Identifier(), second.Identifier())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var env SeedEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "argon2id", env.KDF)
	assert.Equal(t, testKDF.MemoryKB, env.KDFMemoryKB)

	t.Run("wrong passphrase", func(t *testing.T) {
		_, _, err := LoadOrInit(ctx, EncryptedSeedFile{Path: path, Passphrase: []byte("wrong")})
		require.ErrorIs(t, err, ErrWrongPassphrase)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		env.Ciphertext[0] ^= 0x01
		_, err := OpenSeed(&env, []byte("correct horse"))
		require.ErrorIs(t, err, ErrWrongPassphrase)
	})

	t.Run("empty passphrase is refused", func(t *testing.T) {
		err := EncryptedSeedFile{Path: filepath.Join(t.TempDir(), "x")}.Store(ctx, []byte("seed"))
		require.Error(t, err)
	})
}
