// Package utils provides cryptographic utility functions
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// EncryptedPrefix marks a stored secret as encrypted
const EncryptedPrefix = "enc:"

// IsEncrypted reports whether a stored value carries the encrypted prefix
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// EncryptSecret encrypts a secret with AES-GCM and prefixes the result.
// The key is derived from the passphrase with SHA-256.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("encryption passphrase is empty")
	}

	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + hex.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret. Values without the encrypted
// prefix are returned unchanged.
func DecryptSecret(value, passphrase string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if passphrase == "" {
		return "", fmt.Errorf("encryption passphrase is empty")
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed encrypted value: %w", err)
	}

	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("malformed encrypted value: too short")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// HashAPIKey hashes an admin API key for storage using bcrypt
func HashAPIKey(apiKey string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hashed), nil
}

// CheckAPIKey verifies an admin API key against its bcrypt hash
func CheckAPIKey(apiKey, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey))
}

// GenerateSecureToken generates a secure random token
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	token, err := GenerateSecureToken(8)
	if err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + token
}
