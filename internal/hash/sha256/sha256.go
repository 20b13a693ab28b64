// Package sha256 produces the content addresses used throughout the corpus:
// document ids, blob keys, and failed-row sentinels all derive from it.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes payload bytes into 64-character lowercase hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Hex(data), nil
}

// Hex is the allocation-light form of Hash for callers that cannot fail.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
