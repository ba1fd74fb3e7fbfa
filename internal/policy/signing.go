package policy

import (
	"crypto/ed25519"
)

// Verifier checks a detached signature over a payload using a known public
// key. Injected into Store rather than folded in, per spec.md §9's design
// note: key management and signature mechanics should be independently
// testable and swappable (grounded on the teacher's pkg/crypto.Verify,
// which is likewise a free function rather than a method tangled into
// policy loading).
type Verifier interface {
	Verify(payload, signature []byte, pubKey ed25519.PublicKey) bool
}

// Ed25519Verifier is the production Verifier: stdlib crypto/ed25519,
// the same primitive the teacher's pkg/crypto/signer.go uses for signing
// decisions, intents, and receipts.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid Ed25519 signature of payload
// under pubKey.
func (Ed25519Verifier) Verify(payload, signature []byte, pubKey ed25519.PublicKey) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, payload, signature)
}
