package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex identifier with an optional type prefix, e.g.
// "ses_…" for reviewer session ids.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
