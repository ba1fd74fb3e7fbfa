package twinclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/idempotency"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:                 baseURL,
		HTTPTimeout:             2 * time.Second,
		MaxConcurrency:          4,
		RetryMaxAttempts:        3,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           10 * time.Millisecond,
		RetryJitter:             0.1,
		ExecutionTimeout:        2 * time.Second,
		CircuitFailureThreshold: 3,
		CircuitRecoveryTimeout:  20 * time.Millisecond,
		CircuitHalfOpenMaxCalls: 1,
		JobPollInterval:         2 * time.Millisecond,
		JobPollMaxInterval:      10 * time.Millisecond,
		JobTimeout:              time.Second,
	}
}

func TestInvoke_DirectCallReturnsOutputArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"outputArguments": map[string]any{"status": "ok"},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, 0)
	result, err := c.Invoke(context.Background(), OperationRef{SubmodelID: "sm1", IdShort: "move_arm"}, map[string]any{"x": 1.0}, false, "")
	require.NoError(t, err)
	require.Equal(t, "ok", result.OutputArguments["status"])
}

func TestInvoke_DelegatedPollsJobUntilDone(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "job-1"})
		default:
			calls++
			if calls < 2 {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "running"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":          "done",
				"outputArguments": map[string]any{"done": true},
			})
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, 0)
	result, err := c.Invoke(context.Background(), OperationRef{
		SubmodelID:    "sm1",
		IdShort:       "long_op",
		Delegated:     true,
		DelegationURL: srv.URL + "/jobs",
	}, map[string]any{}, false, "")
	require.NoError(t, err)
	require.Equal(t, "job-1", result.JobID)
	require.Equal(t, true, result.OutputArguments["done"])
}

func TestInvoke_UsesIdempotencyCacheOnSecondCall(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"outputArguments": map[string]any{"count": hits},
		})
	}))
	defer srv.Close()

	store := idempotency.NewMemoryStore(10)
	c := New(testConfig(srv.URL), store, time.Minute)

	ref := OperationRef{SubmodelID: "sm1", IdShort: "move_arm"}
	args := map[string]any{"x": 1.0}

	first, err := c.Invoke(context.Background(), ref, args, false, "req-1")
	require.NoError(t, err)
	second, err := c.Invoke(context.Background(), ref, args, false, "req-1")
	require.NoError(t, err)

	require.Equal(t, 1, hits, "second call should be served from idempotency cache")
	require.Equal(t, first.OutputArguments["count"], second.OutputArguments["count"])
}

func TestDoWithResilience_OpensCircuitAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RetryMaxAttempts = 1
	cfg.CircuitFailureThreshold = 2
	c := New(cfg, nil, 0)

	_, err := c.ReadPath(context.Background(), "sm1", "temp")
	require.Error(t, err)
	_, err = c.ReadPath(context.Background(), "sm1", "temp")
	require.Error(t, err)

	_, err = c.ReadPath(context.Background(), "sm1", "temp")
	require.ErrorContains(t, err, "circuit")
}

func TestSnapshotSubmodel_DecodesElements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"submodelElements": []map[string]any{
				{"idShort": "temperature", "value": 72.5},
				{"idShort": "status", "value": "ok"},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil, 0)
	values, err := c.SnapshotSubmodel(context.Background(), "sm1")
	require.NoError(t, err)
	require.Equal(t, 72.5, values["temperature"])
	require.Equal(t, "ok", values["status"])
}
