package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-hex-char identifier, optionally prefixed
// ("sub" -> "sub_a1b2..."). IDs are generated once and never reused.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
