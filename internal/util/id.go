package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex identifier for bridge peers, frames and locally
// created annotations, joined to prefix with a dash when one is given.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
