// Package crypto provides the AEAD, hashing, and token primitives shared by
// the courier core.
//
// Encryption is AES-256-GCM with a 96-bit random nonce and a 128-bit tag.
// Keys are derived per context as HMAC-SHA256(masterKey, contextID) — usually
// the delivery or recipient id — so compromising one context's key does not
// cascade into the rest of the store.
//
// Ciphertexts serialise as base64(nonce) ":" base64(tag) ":" base64(body).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	nonceSize = 12
	tagSize   = 16

	// PasswordHashCost is the bcrypt work factor.
	PasswordHashCost = 12
)

var (
	// ErrInvalidFormat is returned when a ciphertext does not have the
	// nonce:tag:body shape.
	ErrInvalidFormat = errors.New("invalid_format")
	// ErrAuthFailed is returned on GCM tag mismatch, including decryption
	// under the wrong context.
	ErrAuthFailed = errors.New("auth_failed")
	// ErrKeyTooShort rejects master keys under 32 bytes.
	ErrKeyTooShort = errors.New("master key must be at least 32 bytes")
)

// Cipher performs context-keyed AEAD operations.
type Cipher struct {
	masterKey []byte
}

// NewCipher wraps the master key. The key itself is never used directly for
// encryption — only context-derived subkeys are.
func NewCipher(masterKey string) (*Cipher, error) {
	if len(masterKey) < 32 {
		return nil, ErrKeyTooShort
	}
	return &Cipher{masterKey: []byte(masterKey)}, nil
}

func (c *Cipher) deriveKey(contextID string) []byte {
	mac := hmac.New(sha256.New, c.masterKey)
	mac.Write([]byte(contextID))
	return mac.Sum(nil)
}

// Encrypt seals plaintext under the key derived for contextID.
func (c *Cipher) Encrypt(plaintext []byte, contextID string) (string, error) {
	gcm, err := c.aead(contextID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(body),
	}, ":"), nil
}

// Decrypt opens a serialised ciphertext under the key derived for contextID.
func (c *Cipher) Decrypt(serialized, contextID string) ([]byte, error) {
	parts := strings.Split(serialized, ":")
	if len(parts) != 3 {
		return nil, ErrInvalidFormat
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrInvalidFormat
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrInvalidFormat
	}
	body, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidFormat
	}

	gcm, err := c.aead(contextID)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (c *Cipher) aead(contextID string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.deriveKey(contextID))
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// HashPassword hashes a password with bcrypt at the fixed work factor.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordHashCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HMACHex returns the hex-encoded HMAC-SHA256 of message under secret.
func HMACHex(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACSum returns the raw HMAC-SHA256 of message under secret.
func HMACSum(secret []byte, message string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomToken returns n bytes of OS entropy, hex-encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}
