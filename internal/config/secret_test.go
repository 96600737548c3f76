package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_String(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, "[REDACTED]", s.String())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}

func TestSecret_GoString(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
}

func TestSecret_MarshalJSON(t *testing.T) {
	s := Secret("password123")
	data, err := s.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestSecret_MarshalYAML(t *testing.T) {
	s := Secret("password123")
	val, err := s.MarshalYAML()
	assert.NoError(t, err)
	assert.Equal(t, "[REDACTED]", val)
}

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestSecret_EncryptDecrypt(t *testing.T) {
	keyB64 := testKey(t)

	enc, err := Encrypt("broker-password", keyB64)
	require.NoError(t, err)
	assert.NotEqual(t, Secret("broker-password"), enc)

	dec, err := enc.Decrypt(keyB64)
	require.NoError(t, err)
	assert.Equal(t, Secret("broker-password"), dec)
}

func TestSecret_DecryptWrongKey(t *testing.T) {
	enc, err := Encrypt("broker-password", testKey(t))
	require.NoError(t, err)

	_, err = enc.Decrypt(testKey(t))
	assert.Error(t, err)
}

func TestSecret_DecryptBadKeyLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err := Secret("whatever").Decrypt(short)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestSecret_DecryptFromEnv(t *testing.T) {
	// No key in the environment: cleartext passthrough.
	t.Setenv(KeyEnvVar, "")
	got, err := Secret("plain").DecryptFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Secret("plain"), got)

	// Key present: the stored value must be ciphertext.
	keyB64 := testKey(t)
	t.Setenv(KeyEnvVar, keyB64)
	enc, err := Encrypt("secret-pw", keyB64)
	require.NoError(t, err)
	got, err = enc.DecryptFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Secret("secret-pw"), got)
}
