package crypto

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

func testPlaintext(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x42}, 32), nil)
	enc := NewEncryptor(kr, nil)

	plaintext := testPlaintext(t, 4096)
	hash := types.ContentHash(bytes.Repeat([]byte{0x01}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, policy, types.CryptoClassical)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)
	require.Len(t, ciphertext, len(plaintext))

	out, err := enc.Decrypt(ciphertext, meta)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestEncryptIsDeterministicUnderClassicalProfile(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x11}, 32), nil)
	enc := NewEncryptor(kr, nil)

	plaintext := testPlaintext(t, 2048)
	hash := types.ContentHash(bytes.Repeat([]byte{0x02}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	ct1, meta1, err := enc.Encrypt(plaintext, hash, policy, types.CryptoClassical)
	require.NoError(t, err)
	ct2, meta2, err := enc.Encrypt(plaintext, hash, policy, types.CryptoClassical)
	require.NoError(t, err)

	require.Equal(t, ct1, ct2)
	require.Equal(t, meta1.Tweak, meta2.Tweak)
	require.Equal(t, meta1.MACTag, meta2.MACTag)
}

func TestDecryptDetectsTamperedCiphertext(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x33}, 32), nil)
	enc := NewEncryptor(kr, nil)

	plaintext := testPlaintext(t, 1024)
	hash := types.ContentHash(bytes.Repeat([]byte{0x03}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, policy, types.CryptoClassical)
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	_, err = enc.Decrypt(tampered, meta)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.IntegrityFailure))
}

func TestDecryptUnknownKeyVersion(t *testing.T) {
	// A configured, working keyring that has never rotated past version 1:
	// segment metadata recording key version 99 must fail lookup even though
	// the master secret is present and derivation would otherwise succeed
	// for any version.
	kr := NewKeyring(bytes.Repeat([]byte{0x44}, 32), nil)
	enc := NewEncryptor(kr, nil)

	meta := &types.EncryptionMeta{SchemeVersion: schemeVersion, KeyVersion: 99}
	_, err := enc.Decrypt(make([]byte, 32), meta)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.KeyVersionNotFound))
}

func TestEncryptRejectsPinnedVersionNeverRotatedTo(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x45}, 32), nil)
	enc := NewEncryptor(kr, nil)

	pin := uint32(2)
	hash := types.ContentHash(bytes.Repeat([]byte{0x08}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256, KeyVersionPin: &pin}

	_, _, err := enc.Encrypt(testPlaintext(t, 1024), hash, policy, types.CryptoClassical)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.KeyVersionNotFound))

	kr.Rotate()
	_, _, err = enc.Encrypt(testPlaintext(t, 1024), hash, policy, types.CryptoClassical)
	require.NoError(t, err)
}

func TestEncryptRejectsUndersizedSegment(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x55}, 32), nil)
	enc := NewEncryptor(kr, nil)

	hash := types.ContentHash(bytes.Repeat([]byte{0x04}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	_, _, err := enc.Encrypt([]byte{1, 2, 3}, hash, policy, types.CryptoClassical)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.InvalidInput))
}

func TestHybridKyberRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kr := NewKeyring(bytes.Repeat([]byte{0x66}, 32), nil)
	kyberKr, err := OpenKyberKeyring(filepath.Join(dir, "kyber.key"), nil)
	require.NoError(t, err)
	enc := NewEncryptor(kr, kyberKr)

	plaintext := testPlaintext(t, 8192)
	hash := types.ContentHash(bytes.Repeat([]byte{0x05}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, policy, types.CryptoHybridKyber)
	require.NoError(t, err)
	require.NotNil(t, meta.KyberWrap)

	out, err := enc.Decrypt(ciphertext, meta)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestHybridKyberCiphertextsDifferAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	kr := NewKeyring(bytes.Repeat([]byte{0x77}, 32), nil)
	kyberKr, err := OpenKyberKeyring(filepath.Join(dir, "kyber.key"), nil)
	require.NoError(t, err)
	enc := NewEncryptor(kr, kyberKr)

	plaintext := testPlaintext(t, 4096)
	hash := types.ContentHash(bytes.Repeat([]byte{0x06}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	ct1, _, err := enc.Encrypt(plaintext, hash, policy, types.CryptoHybridKyber)
	require.NoError(t, err)
	ct2, _, err := enc.Encrypt(plaintext, hash, policy, types.CryptoHybridKyber)
	require.NoError(t, err)

	// randomized KEM encapsulation means identical plaintext does not
	// produce identical ciphertext under hybrid_kyber; dedup is scoped to
	// the classical profile only.
	require.NotEqual(t, ct1, ct2)
}

func TestHybridKyberWithoutKeyringConfigured(t *testing.T) {
	kr := NewKeyring(bytes.Repeat([]byte{0x88}, 32), nil)
	enc := NewEncryptor(kr, nil)

	hash := types.ContentHash(bytes.Repeat([]byte{0x07}, 32))
	policy := types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	_, _, err := enc.Encrypt(testPlaintext(t, 1024), hash, policy, types.CryptoHybridKyber)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.InvalidInput))
}
