// Package ids provides identifier primitives (ULID) used for server message ids
// and advisory lock tokens.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs minted within the same millisecond stay strictly increasing.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewServerMsgID returns a ULID used as server_msg_id.
func NewServerMsgID(now time.Time) (string, error) {
	return NewULID(now)
}

// NewLockToken returns a unique token stored as the value of an advisory lock.
// It never fails: if the ULID source errors, it falls back to random hex.
func NewLockToken() string {
	if id, err := NewULID(time.Now().UTC()); err == nil {
		return id
	}
	return NewRandomHex(16)
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
