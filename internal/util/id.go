package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit hex identifier, namespaced like
// "region_3f2a..." when a prefix is given. Region snapshot ids use it so
// blob object names cannot be guessed from row ids.
func NewID(prefix string) string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	if prefix == "" {
		return hex.EncodeToString(raw)
	}
	return prefix + "_" + hex.EncodeToString(raw)
}
