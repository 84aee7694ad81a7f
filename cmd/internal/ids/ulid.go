// Package ids provides ID primitives (ULID) shared by the HTTP and WebSocket layers.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps request and session ids ordered in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (request ids).
// It falls back to ulid.Make, which uses a monotonic process-local entropy source.
func MustULID(now time.Time) string {
	s, err := NewULID(now)
	if err != nil {
		return ulid.Make().String()
	}
	return s
}
