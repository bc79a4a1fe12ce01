package apikey

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	keys := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := Generate()
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(key, KeyPrefix))
		// prefix (4) + base64url encoded 32 bytes (43 chars)
		assert.Len(t, key, len(KeyPrefix)+43)
		assert.True(t, ValidateFormat(key))

		assert.False(t, keys[key], "Generated duplicate key")
		keys[key] = true
	}
}

func TestHash(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	hash1, err := Hash(key)
	require.NoError(t, err)
	hash2, err := Hash(key)
	require.NoError(t, err)

	// fresh salt each time
	assert.NotEqual(t, hash1, hash2)
	assert.True(t, Validate(key, hash1))
	assert.True(t, Validate(key, hash2))

	salt, sum, err := parseHash(hash1)
	require.NoError(t, err)
	assert.Len(t, salt, SaltLength)
	assert.Len(t, sum, Argon2KeyLen)
	assert.Equal(t, base64.RawStdEncoding.EncodeToString(salt)+":"+base64.RawStdEncoding.EncodeToString(sum), hash1)
}

func TestValidate(t *testing.T) {
	key, hash, err := GenerateWithHash()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	tests := []struct {
		name     string
		key      string
		hash     string
		expected bool
	}{
		{name: "valid key and hash", key: key, hash: hash, expected: true},
		{name: "wrong key", key: other, hash: hash, expected: false},
		{name: "invalid hash format", key: key, hash: "invalid_hash_format", expected: false},
		{name: "empty key", key: "", hash: hash, expected: false},
		{name: "empty hash", key: key, hash: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Validate(tt.key, tt.hash))
		})
	}
}

func TestValidateFormat(t *testing.T) {
	validKey, err := Generate()
	require.NoError(t, err)

	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{name: "valid generated key", key: validKey, expected: true},
		{name: "missing prefix", key: "xxx_" + validKey[len(KeyPrefix):], expected: false},
		{name: "too short", key: "rlk_123", expected: false},
		{name: "too long", key: validKey + "AAAA", expected: false},
		{name: "empty string", key: "", expected: false},
		{name: "only prefix", key: KeyPrefix, expected: false},
		{name: "invalid base64url characters", key: KeyPrefix + strings.Repeat("!", 43), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateFormat(tt.key))
		})
	}
}

func TestParseHash(t *testing.T) {
	tests := []struct {
		name      string
		hash      string
		shouldErr bool
	}{
		{name: "valid hash", hash: "c2FsdA:aGFzaA", shouldErr: false},
		{name: "missing separator", hash: "invalidseparator", shouldErr: true},
		{name: "invalid base64 salt", hash: "!!!:aGFzaA", shouldErr: true},
		{name: "invalid base64 hash", hash: "c2FsdA:!!!", shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseHash(tt.hash)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCreatedAt(t *testing.T) {
	createdAt := GetCreatedAt()
	assert.Contains(t, createdAt, "T")
	assert.True(t, strings.HasSuffix(createdAt, "Z"))
}

func TestVerifier(t *testing.T) {
	key, hash, err := GenerateWithHash()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)

	v := NewVerifier(hash)
	assert.False(t, v.Verify(other))
	assert.False(t, v.Verify("rlk_short"))

	assert.True(t, v.Verify(key))
	assert.Equal(t, key, v.accepted)
	assert.True(t, v.Verify(key))

	// a different key still goes through the hash
	assert.False(t, v.Verify(other))
	assert.Equal(t, key, v.accepted)
}

func BenchmarkVerifier(b *testing.B) {
	key, hash, err := GenerateWithHash()
	if err != nil {
		b.Fatal(err)
	}
	v := NewVerifier(hash)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		v.Verify(key)
	}
}
