// Package utils provides hashing, sizing, file and pattern helpers shared by
// the cache and automation packages.
//
// This file implements content-addressed keys for the content cache.
//
// Design Notes:
//   - SHA-256 over the raw UTF-8 bytes, hex encoded (64 chars)
//   - Identical content always maps to the same key across processes
//   - The first two hex chars select a shard directory, bounding fan-out to 256
//
// Performance Characteristics:
//   - Hash: O(n) in content length, ~400MB/s on modern CPUs
//   - Shard path: O(1)
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// HashLength is the length of a hex encoded content hash.
const HashLength = sha256.Size * 2

// ContentHash returns the stable hex digest of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a value produced by ContentHash.
func ValidHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ShardPath returns <root>/<hash[:2]>/<hash>.json.
func ShardPath(root, hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return filepath.Join(root, hash[:2], hash+".json"), nil
}
