package secretenc

import (
	"encoding/base64"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/platform/config"
)

func setTestKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	prev, had := os.LookupEnv(config.EnvSecretEncryptionKey)
	require.NoError(t, os.Setenv(config.EnvSecretEncryptionKey, base64.StdEncoding.EncodeToString(key)))
	t.Cleanup(func() {
		if had {
			os.Setenv(config.EnvSecretEncryptionKey, prev)
		} else {
			os.Unsetenv(config.EnvSecretEncryptionKey)
		}
	})
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	setTestKey(t)

	plain := "super-secret-api-key"
	ciphertext, err := Encrypt(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, ciphertext)

	decrypted, err := Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, plain, decrypted)
}

func TestEncrypt_ProducesDifferentCiphertextEachCall(t *testing.T) {
	setTestKey(t)

	a, err := Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := Encrypt("same plaintext")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "nonce must differ between calls")
}

func TestDecrypt_EmptyStringIsPassthrough(t *testing.T) {
	setTestKey(t)

	out, err := Decrypt("")
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestEncrypt_MissingKeyErrors(t *testing.T) {
	prev, had := os.LookupEnv(config.EnvSecretEncryptionKey)
	os.Unsetenv(config.EnvSecretEncryptionKey)
	t.Cleanup(func() {
		if had {
			os.Setenv(config.EnvSecretEncryptionKey, prev)
		}
	})

	_, err := Encrypt("anything")
	require.Error(t, err)
}

func TestEncrypt_MalformedKeyErrors(t *testing.T) {
	prev, had := os.LookupEnv(config.EnvSecretEncryptionKey)
	require.NoError(t, os.Setenv(config.EnvSecretEncryptionKey, "not-valid-base64!!"))
	t.Cleanup(func() {
		if had {
			os.Setenv(config.EnvSecretEncryptionKey, prev)
		} else {
			os.Unsetenv(config.EnvSecretEncryptionKey)
		}
	})

	_, err := Encrypt("anything")
	require.Error(t, err)
}

func TestDecrypt_TamperedCiphertextFailsAuthentication(t *testing.T) {
	setTestKey(t)

	ciphertext, err := Encrypt("hello world")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered)
	require.Error(t, err)
}
