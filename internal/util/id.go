package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a short random hex identifier for request correlation.
// Entity ids use UUIDs; this only needs log-level uniqueness.
func NewID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
