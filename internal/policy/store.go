// Package policy implements CovenantTwin, the signed policy loader
// (spec.md §3, §4.1). A policy document is only ever served to the Kernel
// if its detached signature verifies against a startup-supplied public key
// and its age is within the configured maximum; any other outcome is a
// hard deny-by-default, never a fallback to a previously good policy.
package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/twinops/twinops/internal/canonicalize"
	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/twinerr"
)

// SubmodelReader fetches a property value from a submodel by idShort path.
// internal/twinclient.Client satisfies this structurally; the interface
// lives here so this package does not need to import twinclient.
type SubmodelReader interface {
	ReadPath(ctx context.Context, submodelID, path string) (any, error)
}

// signedPolicyEnvelope is the wire shape stored in the policy submodel:
// {PolicyJson, PolicySignature, PolicyKeyId, PolicyIssuedAt}, matching the original
// Python extract_signed_policy_from_submodel layout.
type signedPolicyEnvelope struct {
	payloadJSON string
	signatureB64 string
	keyID        string
}

// KeyStore resolves a key_id to the Ed25519 public key that should have
// signed the policy. Startup-supplied, never fetched from the submodel
// itself (a policy cannot authorize its own signer).
type KeyStore map[string]ed25519.PublicKey

// Store is CovenantTwin: the cached, verified policy loader.
type Store struct {
	reader   SubmodelReader
	verifier Verifier
	keys     KeyStore
	submodel string

	cacheTTL time.Duration
	maxAge   time.Duration

	// acceptedMajor constrains which PolicyDocument.SchemaVersion majors
	// this build understands, via real semver range matching rather than
	// string comparison (SPEC_FULL.md DOMAIN STACK: Masterminds/semver).
	acceptedMajor *semver.Constraints

	mu          sync.Mutex
	cached      *contracts.PolicyDocument
	cachedAt    time.Time
	policyIssue time.Time
}

// New constructs a Store. acceptedVersionConstraint is a semver
// constraint string (e.g. ">=1.0.0, <2.0.0"); pass "" to accept any
// version.
func New(reader SubmodelReader, verifier Verifier, keys KeyStore, submodelID string, cacheTTL, maxAge time.Duration, acceptedVersionConstraint string) (*Store, error) {
	s := &Store{
		reader:   reader,
		verifier: verifier,
		keys:     keys,
		submodel: submodelID,
		cacheTTL: cacheTTL,
		maxAge:   maxAge,
	}
	if acceptedVersionConstraint != "" {
		c, err := semver.NewConstraint(acceptedVersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid schema version constraint: %w", err)
		}
		s.acceptedMajor = c
	}
	return s, nil
}

// Current returns the cached policy if it is still fresh (within
// cacheTTL of when it was last verified, and within maxAge of its
// declared issue time); otherwise it refetches and reverifies. Any
// verification or staleness failure discards the previously cached
// policy and returns a twinerr sentinel so the Kernel denies by default.
func (s *Store) Current(ctx context.Context) (*contracts.PolicyDocument, error) {
	s.mu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		doc := s.cached
		issuedAt := s.policyIssue
		s.mu.Unlock()
		if s.maxAge > 0 && time.Since(issuedAt) > s.maxAge {
			s.invalidate()
			return nil, twinerr.ErrPolicyStale
		}
		return doc, nil
	}
	s.mu.Unlock()

	doc, issuedAt, err := s.fetchAndVerify(ctx)
	if err != nil {
		s.invalidate()
		return nil, err
	}

	if s.maxAge > 0 && time.Since(issuedAt) > s.maxAge {
		s.invalidate()
		return nil, twinerr.ErrPolicyStale
	}

	s.mu.Lock()
	s.cached = doc
	s.cachedAt = time.Now()
	s.policyIssue = issuedAt
	s.mu.Unlock()

	return doc, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// envelopeElements are the four idShorts the policy submodel must expose,
// matching the original Python policy_signing.extract_signed_policy_from_submodel.
const (
	elementPolicyJSON      = "PolicyJson"
	elementPolicySignature = "PolicySignature"
	elementPolicyKeyID     = "PolicyKeyId"
	elementPolicyIssuedAt  = "PolicyIssuedAt"
)

func (s *Store) fetchAndVerify(ctx context.Context) (*contracts.PolicyDocument, time.Time, error) {
	payloadRaw, err := s.reader.ReadPath(ctx, s.submodel, elementPolicyJSON)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: fetch policy payload: %v", twinerr.ErrPolicyUnverified, err)
	}
	sigRaw, err := s.reader.ReadPath(ctx, s.submodel, elementPolicySignature)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: fetch policy signature: %v", twinerr.ErrPolicyUnverified, err)
	}
	keyIDRaw, err := s.reader.ReadPath(ctx, s.submodel, elementPolicyKeyID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: fetch policy key id: %v", twinerr.ErrPolicyUnverified, err)
	}
	issuedAtRaw, err := s.reader.ReadPath(ctx, s.submodel, elementPolicyIssuedAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: fetch policy issued_at: %v", twinerr.ErrPolicyUnverified, err)
	}

	payloadJSON, _ := payloadRaw.(string)
	sigB64, _ := sigRaw.(string)
	keyID, _ := keyIDRaw.(string)
	issuedAtStr, _ := issuedAtRaw.(string)

	if payloadJSON == "" || sigB64 == "" || keyID == "" {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "missing policy envelope element"})
	}

	pubKey, ok := s.keys[keyID]
	if !ok {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "unknown key_id", "key_id": keyID})
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "invalid signature encoding"})
	}

	var doc contracts.PolicyDocument
	if err := json.Unmarshal([]byte(payloadJSON), &doc); err != nil {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "invalid policy JSON"})
	}

	canonical, err := canonicalize.JCS(json.RawMessage(payloadJSON))
	if err != nil {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "policy payload not canonicalizable"})
	}

	if !s.verifier.Verify(canonical, sig, pubKey) {
		return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "signature mismatch"})
	}

	if s.acceptedMajor != nil && doc.SchemaVersion != "" {
		v, err := semver.NewVersion(doc.SchemaVersion)
		if err != nil || !s.acceptedMajor.Check(v) {
			return nil, time.Time{}, twinerr.ErrPolicyUnverified.With(map[string]any{"reason": "unsupported schema_version", "schema_version": doc.SchemaVersion})
		}
	}

	issuedAt := time.Now()
	if issuedAtStr != "" {
		if t, err := time.Parse(time.RFC3339, issuedAtStr); err == nil {
			issuedAt = t
		}
	}

	return &doc, issuedAt, nil
}
