// Package apikey issues and verifies the operator key that guards the console's control
// endpoints. Only an Argon2id hash of the key is stored in the config file.
package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyPrefix is the prefix for all operator keys
	KeyPrefix = "rlk_"

	// KeyLength is the number of random bytes in the key (32 bytes = 256 bits)
	KeyLength = 32

	// Argon2 parameters for interactive use
	Argon2Time    = 3
	Argon2Memory  = 64 * 1024 // KiB
	Argon2Threads = 4
	Argon2KeyLen  = 32
	SaltLength    = 16
)

// encodedKeyLen is the base64url length of KeyLength bytes without padding
var encodedKeyLen = base64.RawURLEncoding.EncodedLen(KeyLength)

// Generate creates a new key: rlk_<base64url(32 random bytes)>
func Generate() (string, error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// Hash returns base64(salt):base64(argon2id(key, salt))
func Hash(apiKey string) (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// Validate checks apiKey against a stored hash in constant time
func Validate(apiKey, encodedHash string) bool {
	salt, hash, err := parseHash(encodedHash)
	if err != nil {
		return false
	}
	computed := argon2.IDKey([]byte(apiKey), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func parseHash(encodedHash string) (salt, hash []byte, err error) {
	saltPart, hashPart, ok := strings.Cut(encodedHash, ":")
	if !ok {
		return nil, nil, fmt.Errorf("invalid hash format: missing separator")
	}

	salt, err = base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(hashPart)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode hash: %w", err)
	}
	return salt, hash, nil
}

// ValidateFormat checks the prefix, length and encoding of a key
func ValidateFormat(apiKey string) bool {
	encoded, ok := strings.CutPrefix(apiKey, KeyPrefix)
	if !ok || len(encoded) != encodedKeyLen {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	return err == nil && len(decoded) == KeyLength
}

// GenerateWithHash creates a new key and its Argon2id hash
func GenerateWithHash() (apiKey string, hash string, err error) {
	apiKey, err = Generate()
	if err != nil {
		return "", "", err
	}
	hash, err = Hash(apiKey)
	if err != nil {
		return "", "", err
	}
	return apiKey, hash, nil
}

// GetCreatedAt returns the current timestamp in RFC3339 format
func GetCreatedAt() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ValidateConstantTime performs constant-time string comparison
func ValidateConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verifier checks keys against one hash. Drive commands arrive many times a second, so
// the last key that passed Argon2 is remembered and later requests compare against it.
type Verifier struct {
	hash string

	mu       sync.RWMutex
	accepted string
}

func NewVerifier(encodedHash string) *Verifier {
	return &Verifier{hash: encodedHash}
}

// Verify reports whether apiKey matches the hash
func (v *Verifier) Verify(apiKey string) bool {
	if !ValidateFormat(apiKey) {
		return false
	}

	v.mu.RLock()
	accepted := v.accepted
	v.mu.RUnlock()
	if accepted != "" && ValidateConstantTime(apiKey, accepted) {
		return true
	}

	if !Validate(apiKey, v.hash) {
		return false
	}
	v.mu.Lock()
	v.accepted = apiKey
	v.mu.Unlock()
	return true
}
