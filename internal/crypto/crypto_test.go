package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/pkg/errors"
)

func TestSymmetricKeyLifecycle(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)

	t.Run("generate and use", func(t *testing.T) {
		require.NoError(t, svc.GenerateSymmetricKey("k1"))
		assert.True(t, svc.HasKey("k1"))
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		require.NoError(t, svc.GenerateSymmetricKey("dup"))
		err := svc.GenerateSymmetricKey("dup")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConflict)
	})

	t.Run("empty id rejected", func(t *testing.T) {
		err := svc.GenerateSymmetricKey("")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("remove erases material", func(t *testing.T) {
		require.NoError(t, svc.GenerateSymmetricKey("gone"))
		svc.RemoveKey("gone")
		assert.False(t, svc.HasKey("gone"))
		_, err := svc.EncryptAEAD([]byte("x"), "gone")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})
}

func TestEncryptDecryptAEAD(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)
	require.NoError(t, svc.GenerateSymmetricKey("aead"))

	plaintext := []byte(`{"ssn":"123-45-6789"}`)

	payload, err := svc.EncryptAEAD(plaintext, "aead")
	require.NoError(t, err)
	assert.NotEmpty(t, payload.Ciphertext)
	assert.Len(t, payload.IV, 12)
	assert.Len(t, payload.AuthTag, 16)
	assert.NotEqual(t, plaintext, payload.Ciphertext)

	t.Run("round trip", func(t *testing.T) {
		got, err := svc.DecryptAEAD(payload.Ciphertext, "aead", payload.IV, payload.AuthTag)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
		bad := make([]byte, len(payload.Ciphertext))
		copy(bad, payload.Ciphertext)
		bad[0] ^= 0xFF

		_, err := svc.DecryptAEAD(bad, "aead", payload.IV, payload.AuthTag)
		require.Error(t, err)
		assert.True(t, errors.IsIntegrity(err))
	})

	t.Run("tampered tag fails authentication", func(t *testing.T) {
		bad := make([]byte, len(payload.AuthTag))
		copy(bad, payload.AuthTag)
		bad[len(bad)-1] ^= 0x01

		_, err := svc.DecryptAEAD(payload.Ciphertext, "aead", payload.IV, bad)
		require.Error(t, err)
		assert.True(t, errors.IsIntegrity(err))
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := svc.EncryptAEAD(plaintext, "missing")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})
}

func TestHybridEncryption(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)
	_, err := svc.GenerateAsymmetricKeyPair("rsa", 2048)
	require.NoError(t, err)

	// Larger than an RSA-2048 payload could carry directly.
	large := bytes.Repeat([]byte("castellan"), 1024)

	blob, err := svc.EncryptHybrid(large, "rsa")
	require.NoError(t, err)

	got, err := svc.DecryptHybrid(blob, "rsa")
	require.NoError(t, err)
	assert.Equal(t, large, got)

	t.Run("corrupted wrapped key", func(t *testing.T) {
		bad := make([]byte, len(blob))
		copy(bad, blob)
		bad[10] ^= 0xFF
		_, err := svc.DecryptHybrid(bad, "rsa")
		require.Error(t, err)
		assert.True(t, errors.IsIntegrity(err))
	})

	t.Run("weak modulus rejected", func(t *testing.T) {
		_, err := svc.GenerateAsymmetricKeyPair("weak", 1024)
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestHashAlgorithms(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)
	data := []byte("audit event payload")

	tests := []struct {
		algorithm HashAlgorithm
		size      int
	}{
		{SHA256, 32},
		{SHA384, 48},
		{SHA512, 64},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			sum, err := svc.Hash(data, tt.algorithm)
			require.NoError(t, err)
			assert.Len(t, sum, tt.size)

			again, err := svc.Hash(data, tt.algorithm)
			require.NoError(t, err)
			assert.Equal(t, sum, again)
		})
	}

	t.Run("unsupported algorithm", func(t *testing.T) {
		_, err := svc.Hash(data, "md5")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestHMAC(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)
	require.NoError(t, svc.GenerateSymmetricKey("mac"))

	data := []byte("signed event")
	mac, err := svc.HMAC(data, "mac")
	require.NoError(t, err)

	ok, err := svc.VerifyHMAC(data, mac, "mac")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyHMAC([]byte("altered event"), mac, "mac")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveKeyFromPassword(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)

	salt, err := svc.GenerateSalt(16)
	require.NoError(t, err)

	key1, err := svc.DeriveKeyFromPassword([]byte("correct horse"), salt, MinPBKDF2Iterations)
	require.NoError(t, err)
	assert.Len(t, key1, SymmetricKeySize)

	key2, err := svc.DeriveKeyFromPassword([]byte("correct horse"), salt, MinPBKDF2Iterations)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	otherSalt, err := svc.GenerateSalt(16)
	require.NoError(t, err)
	key3, err := svc.DeriveKeyFromPassword([]byte("correct horse"), otherSalt, MinPBKDF2Iterations)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	t.Run("iteration floor enforced", func(t *testing.T) {
		_, err := svc.DeriveKeyFromPassword([]byte("pw"), salt, 1000)
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestExportKey(t *testing.T) {
	t.Parallel()
	svc := NewService(nil)
	require.NoError(t, svc.GenerateSymmetricKey("exportable"))

	material, err := svc.ExportKey("exportable")
	require.NoError(t, err)
	assert.Len(t, material, SymmetricKeySize)

	// The export is a copy; mutating it must not corrupt the keystore.
	material[0] ^= 0xFF
	payload, err := svc.EncryptAEAD([]byte("data"), "exportable")
	require.NoError(t, err)
	_, err = svc.DecryptAEAD(payload.Ciphertext, "exportable", payload.IV, payload.AuthTag)
	require.NoError(t, err)
}
