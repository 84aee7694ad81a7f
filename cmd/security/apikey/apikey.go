package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the hashing secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "COURIER_APIKEY_HMAC_KEY"

	// DefaultKeyBytes is the entropy of generated keys.
	DefaultKeyBytes = 24
)

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("apikey: HMAC key missing")
	ErrHMACKeyTooShort = errors.New("apikey: HMAC key too short")
	ErrKeySize         = errors.New("apikey: key size must be between 16 and 64 bytes")
)

// Hasher hashes API keys with an optional HMAC secret.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty secret selects plain SHA-256.
func NewHasher(secret []byte) Hasher {
	return Hasher{key: append([]byte(nil), secret...)}
}

// HasherFromEnv reads COURIER_APIKEY_HMAC_KEY. When require is set the key must be present and
// at least minBytes long.
func HasherFromEnv(require bool, minBytes int) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		if require {
			return Hasher{}, ErrHMACKeyMissing
		}
		return Hasher{}, nil
	}
	if minBytes > 0 && len(raw) < minBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return NewHasher([]byte(raw)), nil
}

// HMAC reports whether the hasher uses a secret.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Hash returns the hex digest stored for key.
func (h Hasher) Hash(key string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(key))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify compares key against a stored digest in constant time.
func (h Hasher) Verify(key, storedHex string) bool {
	if key == "" || storedHex == "" {
		return false
	}
	got := h.Hash(key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(storedHex))) == 1
}

// Generate returns a new random key (URL-safe, unpadded) of n random bytes.
func Generate(n int) (string, error) {
	if n == 0 {
		n = DefaultKeyBytes
	}
	if n < 16 || n > 64 {
		return "", ErrKeySize
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
