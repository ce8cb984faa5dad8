package crypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/123ashny/KENYASHIP/internal/crypto"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestNewCipher_KeyTooShort(t *testing.T) {
	_, err := crypto.NewCipher("short")
	assert.ErrorIs(t, err, crypto.ErrKeyTooShort)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := crypto.NewCipher(testKey)
	require.NoError(t, err)

	plaintext := []byte("proof photo bytes")
	ct, err := c.Encrypt(plaintext, "delivery-001")
	require.NoError(t, err)

	parts := strings.Split(ct, ":")
	require.Len(t, parts, 3, "wire form is nonce:tag:body")

	got, err := c.Decrypt(ct, "delivery-001")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_WrongContextFails(t *testing.T) {
	c, err := crypto.NewCipher(testKey)
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("sealed"), "delivery-001")
	require.NoError(t, err)

	_, err = c.Decrypt(ct, "delivery-002")
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)
}

func TestDecrypt_InvalidFormat(t *testing.T) {
	c, err := crypto.NewCipher(testKey)
	require.NoError(t, err)

	cases := []struct {
		name string
		ct   string
	}{
		{"empty", ""},
		{"two parts", "YWJj:ZGVm"},
		{"four parts", "YWJj:ZGVm:Z2hp:amts"},
		{"bad base64", "!!!:ZGVm:Z2hp"},
		{"short nonce", "YWJj:ZGVmZGVmZGVmZGVmZGVm:Z2hp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt(tc.ct, "delivery-001")
			assert.ErrorIs(t, err, crypto.ErrInvalidFormat)
		})
	}
}

func TestEncrypt_DistinctNonces(t *testing.T) {
	c, err := crypto.NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same plaintext"), "ctx")
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same plaintext"), "ctx")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordHash_RoundTrip(t *testing.T) {
	hash, err := crypto.HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.True(t, crypto.CheckPassword(hash, "correct horse battery"))
	assert.False(t, crypto.CheckPassword(hash, "wrong"))
}

func TestHMACHex_Deterministic(t *testing.T) {
	a := crypto.HMACHex([]byte(testKey), "delivery-004")
	b := crypto.HMACHex([]byte(testKey), "delivery-004")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, crypto.HMACHex([]byte(testKey), "delivery-005"))
}

func TestRandomToken_Length(t *testing.T) {
	tok, err := crypto.RandomToken(16)
	require.NoError(t, err)
	assert.Len(t, tok, 32, "hex doubles the byte count")
	other, err := crypto.RandomToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}
