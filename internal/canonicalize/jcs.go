// Package canonicalize produces RFC 8785 JSON Canonicalization Scheme
// (JCS) output for deterministic hashing and signing: policy documents,
// audit entries, and decision digests all flow through JCS before they are
// hashed or signed, so the same logical value always yields the same bytes
// regardless of struct field order or encoder whitespace.
//
// The teacher (Mindburn-Labs-helm/core) lists github.com/gowebpki/jcs in
// its go.mod but never imports it, hand-rolling an equivalent canonicalizer
// in pkg/canonicalize/jcs.go instead. This package uses the library
// directly.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// JCS renders v as RFC 8785 canonical JSON bytes. v is first marshaled
// through the standard encoder (so struct tags and custom MarshalJSON
// methods are respected), then re-canonicalized.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// JCSString is JCS with a string result, for log lines and signing input.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the hex-encoded SHA-256 digest of v's JCS form.
// Used for the result/args digests recorded in audit entries and for
// policy-document content hashes.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
