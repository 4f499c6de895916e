// Package sha256 derives deterministic identifiers from scraped records.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hasher hashes bytes and records with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashRecord hashes the canonical JSON encoding of a record. Map keys are
// sorted by encoding/json, so equal records always produce the same ID.
func (h *Hasher) HashRecord(record map[string]any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return h.Hash(data)
}
