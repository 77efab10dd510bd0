package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken(t *testing.T) {
	t.Run("returns 64 character hex string", func(t *testing.T) {
		hash := HashToken("test-token")
		assert.Len(t, hash, 64)
	})

	t.Run("same input produces same hash", func(t *testing.T) {
		assert.Equal(t, HashToken("test-token"), HashToken("test-token"))
	})

	t.Run("different input produces different hash", func(t *testing.T) {
		assert.NotEqual(t, HashToken("token-a"), HashToken("token-b"))
	})
}

func TestFingerprint(t *testing.T) {
	t.Run("part boundaries matter", func(t *testing.T) {
		assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	})

	t.Run("stable", func(t *testing.T) {
		assert.Equal(t, Fingerprint("https://p", "admin", "pw"), Fingerprint("https://p", "admin", "pw"))
	})
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("same", "same"))
	assert.False(t, ConstantTimeEqual("same", "diff"))
	assert.False(t, ConstantTimeEqual("short", "longer-string"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "abcd-****", MaskSecret("abcdefgh"))
}

func TestEncryptDecrypt(t *testing.T) {
	key := strings.Repeat("0f", 32)

	t.Run("round trips", func(t *testing.T) {
		enc, err := Encrypt(key, "panel-password")
		require.NoError(t, err)
		assert.NotEqual(t, "panel-password", enc)

		dec, err := Decrypt(key, enc)
		require.NoError(t, err)
		assert.Equal(t, "panel-password", dec)
	})

	t.Run("rejects short key", func(t *testing.T) {
		_, err := Encrypt("abcd", "x")
		assert.Error(t, err)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		enc, err := Encrypt(key, "panel-password")
		require.NoError(t, err)

		_, err = Decrypt(strings.Repeat("1e", 32), enc)
		assert.Error(t, err)
	})

	t.Run("rejects truncated ciphertext", func(t *testing.T) {
		_, err := Decrypt(key, "AAAA")
		assert.Error(t, err)
	})
}

func TestIsValidUUID(t *testing.T) {
	assert.True(t, IsValidUUID("3f1c2a9e-8d4b-4c6e-9a1f-0b2c3d4e5f60"))
	assert.False(t, IsValidUUID("alice"))
	assert.False(t, IsValidUUID(""))
}

func TestOpenSecret(t *testing.T) {
	key := strings.Repeat("0f", 32)

	t.Run("plaintext without key", func(t *testing.T) {
		got, err := OpenSecret("", "pw")
		require.NoError(t, err)
		assert.Equal(t, "pw", got)
	})

	t.Run("decrypts with key", func(t *testing.T) {
		enc, err := Encrypt(key, "pw")
		require.NoError(t, err)

		got, err := OpenSecret(key, enc)
		require.NoError(t, err)
		assert.Equal(t, "pw", got)
	})
}
