// Package apikey generates and hashes API keys. Only the hash and a short
// display prefix are ever stored.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	keyPrefix   = "ih_"
	secretBytes = 24
	// PrefixLen is how much of the raw key is kept for display and logs.
	PrefixLen = 8
)

// Generate returns a new raw key with its display prefix and lookup hash.
func Generate() (raw, prefix, hash string, err error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = keyPrefix + hex.EncodeToString(b)
	return raw, Prefix(raw), Hash(raw), nil
}

// Hash is the deterministic lookup hash of a raw key.
func Hash(raw string) string {
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the display prefix of raw, or raw itself when shorter.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return raw
	}
	return raw[:PrefixLen]
}
