package signer

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 8032 section 7.1, tests 1 and 2.
func TestRFC8032Vectors(t *testing.T) {
	vectors := []struct {
		name      string
		secret    string
		public    string
		message   string
		signature string
	}{
		{
			name:      "empty message",
			secret:    "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60",
			public:    "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a",
			message:   "",
			signature: "e5564300c360ac729086e2cc806e828a84877f1eb8e5d974d873e065224901555fb8821590a33bacc61e39701cf9b46bd25bf5f0595bbe24655141438e7a100b",
		},
		{
			name:      "one byte message",
			secret:    "4ccd089b28ff96da9db6c346ec114e0f5b8a319f35aba624da8cf6ed4fb8a6fb",
			public:    "3d4017c3e843895a92b70aa74d1b7ebc9c982ccf2ec4968cc0cd55f12af4660c",
			message:   "72",
			signature: "92a009a9f0d4cab8720e820b5f642540a2b27b5416503f8fb3762223ebdb69da085ac1e43e15996e458f3613d0f11d8c387b2eaeb4302aeeb00d291612bb0c00",
		},
	}

	for _, v := range vectors {
		t.Run(v.name, func(t *testing.T) {
			secret := mustHex(t, v.secret)
			public := mustHex(t, v.public)
			message := mustHex(t, v.message)
			want := mustHex(t, v.signature)

			got, err := Sign(message, secret)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, Verify(message, got, public))
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	key := bytes.Repeat([]byte{7}, PrivateKeySize)
	message := []byte("eyJhbGciOiJFZERTQSIsInR5cCI6IkpXVCJ9.e30")

	first, err := Sign(message, key)
	require.NoError(t, err)
	second, err := Sign(message, key)
	require.NoError(t, err)

	assert.Len(t, first, SignatureSize)
	assert.Equal(t, first, second)
}

func TestSignRejectsWrongKeyLength(t *testing.T) {
	for _, n := range []int{0, 31, 33, 64} {
		_, err := Sign([]byte("m"), make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidKeyLength, "length %d", n)
	}

	_, err := SignWithKey([]byte("m"), make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestVerifyFailsClosed(t *testing.T) {
	secret := mustHex(t, "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60")
	public := mustHex(t, "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a")
	message := []byte("student credential")
	signature, err := Sign(message, secret)
	require.NoError(t, err)

	t.Run("every flipped signature byte is rejected", func(t *testing.T) {
		for i := range signature {
			tampered := bytes.Clone(signature)
			tampered[i] ^= 0x01
			assert.False(t, Verify(message, tampered, public), "byte %d", i)
		}
	})

	t.Run("flipped message byte is rejected", func(t *testing.T) {
		tampered := bytes.Clone(message)
		tampered[0] ^= 0x80
		assert.False(t, Verify(tampered, signature, public))
	})

	t.Run("wrong lengths are rejected", func(t *testing.T) {
		assert.False(t, Verify(message, signature[:63], public))
		assert.False(t, Verify(message, append(bytes.Clone(signature), 0), public))
		assert.False(t, Verify(message, signature, public[:31]))
		assert.False(t, Verify(message, nil, nil))
	})

	t.Run("garbage public key does not panic", func(t *testing.T) {
		garbage := bytes.Repeat([]byte{0xff}, PublicKeySize)
		assert.NotPanics(t, func() {
			assert.False(t, Verify(message, signature, garbage))
		})
	})
}
