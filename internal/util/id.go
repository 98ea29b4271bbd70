package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier of the form "prefix_<32 hex chars>".
// With an empty prefix, just the hex chars.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewActorID returns a random lowercase hex string suitable for use as a
// CRDT actor id. Actor ids must be valid hex, so this does not take a
// prefix.
func NewActorID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
