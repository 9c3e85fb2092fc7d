// Package sha256 provides the digest used for content-addressed cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements catalog.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(string(data)), nil
}

// Sum hashes s directly.
func Sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
