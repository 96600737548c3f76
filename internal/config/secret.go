package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// KeyEnvVar names the environment variable holding the base64 AES-256 key
// used to decrypt the broker API password.
const KeyEnvVar = "BATCH_TRADER_KEY"

// Secret is a string type that redacts itself when printed
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// GoString ensures secrets are redacted when using %#v format
func (s Secret) GoString() string {
	return `"[REDACTED]"`
}

// Reveal returns the cleartext. Callers must not log the result.
func (s Secret) Reveal() string {
	return string(s)
}

// Decrypt treats the secret as base64(nonce || AES-256-GCM ciphertext) and
// decrypts it with the base64 key from keyB64.
func (s Secret) Decrypt(keyB64 string) (Secret, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	blob, err := base64.StdEncoding.DecodeString(string(s))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(blob) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(blob))
	}

	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt api password: %w", err)
	}
	return Secret(plain), nil
}

// DecryptFromEnv decrypts using the key in KeyEnvVar. When the variable is
// unset the secret is assumed to be cleartext and returned as-is, which
// keeps local development and tests simple.
func (s Secret) DecryptFromEnv() (Secret, error) {
	keyB64 := os.Getenv(KeyEnvVar)
	if keyB64 == "" {
		return s, nil
	}
	return s.Decrypt(keyB64)
}

// Encrypt is the inverse of Decrypt; used by provisioning tooling and tests.
func Encrypt(plain string, keyB64 string) (Secret, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return "", fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	blob := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return Secret(base64.StdEncoding.EncodeToString(blob)), nil
}
