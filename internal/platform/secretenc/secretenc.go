// Package secretenc encrypts small secrets at rest (bring-your-own API keys,
// the external service's rotating session cookie) with AES-256-GCM. No
// example repo in the retrieval pack imports a secrets-management library
// for this, so this is a deliberate stdlib exception: see DESIGN.md.
package secretenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/shapesinc/orchestration-core/internal/platform/config"
)

// Encrypt returns a base64-encoded nonce||ciphertext, keyed by
// SECRET_ENCRYPTION_KEY (32 raw bytes, base64-encoded in the environment).
func Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secretenc: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secretenc: decode: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("secretenc: ciphertext too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secretenc: decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM() (cipher.AEAD, error) {
	keyB64 := config.GetEnv(config.EnvSecretEncryptionKey, "")
	if keyB64 == "" {
		return nil, fmt.Errorf("secretenc: %s is not set", config.EnvSecretEncryptionKey)
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("secretenc: %s must be 32 bytes, base64-encoded", config.EnvSecretEncryptionKey)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretenc: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
