package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/twinops/twinops/internal/config"
	"github.com/twinops/twinops/internal/idempotency"
	"github.com/twinops/twinops/internal/orchestrator"
	"github.com/twinops/twinops/internal/policy"
	"github.com/twinops/twinops/internal/toolcatalog"
	"github.com/twinops/twinops/internal/twinclient"
)

// buildIdempotencyStore selects the backend named by
// cfg.ToolIdempotencyStorage. The returned close func is nil for the
// memory backend, which owns no external resource.
func buildIdempotencyStore(cfg *config.Config) (idempotency.Store, func(), error) {
	switch cfg.ToolIdempotencyStorage {
	case "", "memory":
		return idempotency.NewMemoryStore(cfg.ToolIdempotencyMaxItems), nil, nil
	case "sqlite":
		st, err := idempotency.NewSQLiteStore(cfg.ToolIdempotencySQLite)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "redis":
		st, err := idempotency.NewRedisStore(cfg.ToolIdempotencyRedisURL, "twinops:idem:")
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency storage backend %q", cfg.ToolIdempotencyStorage)
	}
}

// loadTrustedKeys parses PolicyTrustedKeys, a ";"-separated list of
// "key_id=base64(ed25519 public key)" pairs, into a policy.KeyStore. An
// empty input yields an empty store, which makes every policy fetch fail
// verification -- the correct deny-by-default posture when no signer has
// been configured yet.
func loadTrustedKeys(raw string) (policy.KeyStore, error) {
	keys := policy.KeyStore{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed policy trusted key entry %q, want key_id=base64key", pair)
		}
		keyID, b64 := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("policy trusted key %q: %w", keyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("policy trusted key %q: expected %d bytes, got %d", keyID, ed25519.PublicKeySize, len(raw))
		}
		keys[keyID] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// registerTools discovers every Operation in the asset's submodels and
// registers each as an orchestrator tool. The submodel list comes from
// operationSubmodelIDs: TWINOPS_OPERATION_SUBMODEL_IDS when set, otherwise
// AASID + "-operations" by convention rather than an AAS shell descriptor walk,
// matching the original prototype's single-asset scope (spec.md Non-goals:
// multi-asset fleets are out of scope).
func registerTools(orch *orchestrator.Orchestrator, client *twinclient.Client, cfg *config.Config) {
	submodelIDs := operationSubmodelIDs(cfg)
	for _, submodelID := range submodelIDs {
		tools, skipped, err := toolcatalog.Discover(context.Background(), client, submodelID)
		if err != nil {
			log.Printf("[twinops] WARNING: tool discovery failed for submodel %s: %v", submodelID, err)
			continue
		}
		for _, t := range tools {
			orch.RegisterTool(t)
			log.Printf("[twinops] registered tool %s (risk=%s)", t.Spec.Name, t.Spec.DefaultRisk)
		}
		for _, name := range skipped {
			log.Printf("[twinops] WARNING: skipped operation %s: schema could not be compiled", name)
		}
	}
}

// operationSubmodelIDs returns the submodels to scan for Operation
// elements. TWINOPS_OPERATION_SUBMODEL_IDS, a comma-separated list, takes
// precedence; falling back to the AASID's conventional "-operations"
// submodel keeps a zero-config single-asset deployment working.
func operationSubmodelIDs(cfg *config.Config) []string {
	if v := envList("TWINOPS_OPERATION_SUBMODEL_IDS"); len(v) > 0 {
		return v
	}
	return []string{cfg.AASID + "-operations"}
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
