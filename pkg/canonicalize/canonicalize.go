// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA3-256 digests, so that hashes over structured data are
// deterministic across processes and restarts.
package canonicalize

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is first marshaled with encoding/json (so struct tags apply), then
// transformed to canonical form.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// Digest returns the SHA3-256 hex digest of the canonical JSON form of v.
func Digest(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes computes the SHA3-256 hex digest of raw bytes.
func DigestBytes(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestString computes the SHA3-256 hex digest of a string.
func DigestString(s string) string {
	return DigestBytes([]byte(s))
}
