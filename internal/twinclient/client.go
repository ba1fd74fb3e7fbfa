// Package twinclient implements the Twin Client: the HTTP gateway to the
// AAS/Submodel repository and the Operation Service (spec.md §3, §4.3).
// It wraps every outbound call in retry-with-backoff and a per-endpoint
// circuit breaker, and checks the idempotency cache before each operation
// invocation (Invoke), grounded on the teacher's
// pkg/util/resiliency.EnhancedClient.Do.
package twinclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/twinops/twinops/internal/canonicalize"
	"github.com/twinops/twinops/internal/hmacsign"
	"github.com/twinops/twinops/internal/idempotency"
	"github.com/twinops/twinops/internal/twinerr"
)

// OperationRef identifies an AAS operation to invoke, either directly or
// via a delegated Command-Monitor job.
type OperationRef struct {
	SubmodelID    string
	IdShort       string
	Delegated     bool
	DelegationURL string // required when Delegated is true
}

// Result is the outcome of a successful Invoke.
type Result struct {
	OutputArguments map[string]any
	JobID           string
}

// Config configures the Twin Client's resilience and transport behavior.
type Config struct {
	BaseURL         string
	HTTPTimeout     time.Duration
	MaxConcurrency  int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	ExecutionTimeout time.Duration

	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
	CircuitHalfOpenMaxCalls int

	JobPollInterval    time.Duration
	JobPollMaxInterval time.Duration
	JobPollJitter      float64
	JobTimeout         time.Duration

	HMACSecret        string
	HMACHeader        string
	HMACTimestampHdr  string
}

// Client is the Twin Client.
type Client struct {
	cfg    Config
	http   *http.Client
	idem   idempotency.Store
	idemTTL time.Duration

	sem chan struct{} // bounds TWIN_CLIENT_MAX_CONCURRENCY

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker
}

// New constructs a Twin Client. idem may be nil to disable idempotency
// caching (not recommended for production use).
func New(cfg Config, idem idempotency.Store, idemTTL time.Duration) *Client {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 8
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		idem:     idem,
		idemTTL:  idemTTL,
		sem:      make(chan struct{}, maxConc),
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (c *Client) breakerFor(endpoint string) *CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(c.cfg.CircuitFailureThreshold, c.cfg.CircuitRecoveryTimeout, c.cfg.CircuitHalfOpenMaxCalls)
		c.breakers[endpoint] = cb
	}
	return cb
}

// Invoke calls an AAS operation, either directly or via the delegated job
// pattern, honoring idempotency, retries, and the circuit breaker.
func (c *Client) Invoke(ctx context.Context, ref OperationRef, args map[string]any, simulate bool, idempotencyKey string) (Result, error) {
	var fingerprint string
	if c.idem != nil {
		fp, err := idempotency.Fingerprint(ref.IdShort, args, simulate, idempotencyKey)
		if err == nil {
			fingerprint = fp
			if cached, ok, _ := c.idem.Get(ctx, fp); ok {
				var result Result
				if err := json.Unmarshal(cached, &result); err == nil {
					return result, nil
				}
			}
		}
	}

	if c.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
		defer cancel()
	}

	var result Result
	var err error
	if ref.Delegated {
		result, err = c.invokeDelegated(ctx, ref, args, simulate)
	} else {
		result, err = c.invokeDirect(ctx, ref, args, simulate)
	}
	if err != nil {
		return Result{}, err
	}

	if c.idem != nil && fingerprint != "" {
		if raw, merr := json.Marshal(result); merr == nil {
			_ = c.idem.Set(ctx, fingerprint, raw, c.idemTTL)
		}
	}
	return result, nil
}

func (c *Client) invokeDirect(ctx context.Context, ref OperationRef, args map[string]any, simulate bool) (Result, error) {
	endpoint := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/invoke", c.cfg.BaseURL, ref.SubmodelID, ref.IdShort)
	body, err := json.Marshal(map[string]any{
		"inputArguments": args,
		"clientContext":  map[string]any{"simulate": simulate},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal invoke body: %v", twinerr.ErrMalformedInput, err)
	}

	respBody, err := c.doWithResilience(ctx, endpoint, http.MethodPost, body)
	if err != nil {
		return Result{}, err
	}

	var decoded struct {
		OutputArguments map[string]any `json:"outputArguments"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode invoke response: %v", twinerr.ErrExecutionFailed, err)
	}
	return Result{OutputArguments: decoded.OutputArguments}, nil
}

func (c *Client) invokeDelegated(ctx context.Context, ref OperationRef, args map[string]any, simulate bool) (Result, error) {
	body, err := json.Marshal(map[string]any{
		"inputArguments": args,
		"clientContext":  map[string]any{"simulate": simulate},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal job body: %v", twinerr.ErrMalformedInput, err)
	}

	respBody, err := c.doWithResilience(ctx, ref.DelegationURL, http.MethodPost, body)
	if err != nil {
		return Result{}, err
	}

	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil || created.JobID == "" {
		return Result{}, fmt.Errorf("%w: delegated job creation response missing job_id", twinerr.ErrExecutionFailed)
	}

	return c.pollJob(ctx, created.JobID)
}

func (c *Client) pollJob(ctx context.Context, jobID string) (Result, error) {
	interval := c.cfg.JobPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	maxInterval := c.cfg.JobPollMaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	deadline := time.Now().Add(c.cfg.JobTimeout)
	if c.cfg.JobTimeout <= 0 {
		deadline = time.Now().Add(5 * time.Minute)
	}

	endpoint := fmt.Sprintf("%s/jobs/%s", c.cfg.BaseURL, jobID)

	for {
		if time.Now().After(deadline) {
			return Result{}, fmt.Errorf("%w: job %s did not complete within timeout", twinerr.ErrExecutionTimeout, jobID)
		}

		respBody, err := c.doWithResilience(ctx, endpoint, http.MethodGet, nil)
		if err != nil {
			return Result{}, err
		}

		var status struct {
			Status          string         `json:"status"` // "pending", "running", "done", "failed"
			OutputArguments map[string]any `json:"outputArguments"`
			Error           string         `json:"error"`
		}
		if err := json.Unmarshal(respBody, &status); err != nil {
			return Result{}, fmt.Errorf("%w: decode job status: %v", twinerr.ErrExecutionFailed, err)
		}

		switch status.Status {
		case "done":
			return Result{OutputArguments: status.OutputArguments, JobID: jobID}, nil
		case "failed":
			return Result{}, fmt.Errorf("%w: job %s failed: %s", twinerr.ErrExecutionFailed, jobID, status.Error)
		}

		jittered := applyJitter(interval, c.cfg.JobPollJitter)
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %v", twinerr.ErrExecutionTimeout, ctx.Err())
		case <-time.After(jittered):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func applyJitter(base time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	span := float64(base) * ratio
	return base + time.Duration(rand.Float64()*span)
}

// ReadPath reads one submodel-element value by idShort path, satisfying
// internal/policy.SubmodelReader and internal/shadow's snapshot seeding.
func (c *Client) ReadPath(ctx context.Context, submodelID, path string) (any, error) {
	endpoint := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value", c.cfg.BaseURL, submodelID, path)
	respBody, err := c.doWithResilience(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(respBody, &value); err != nil {
		return string(respBody), nil
	}
	return value, nil
}

// SnapshotSubmodel fetches every element of a submodel, satisfying
// internal/shadow.Snapshotter.
func (c *Client) SnapshotSubmodel(ctx context.Context, submodelID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/submodels/%s", c.cfg.BaseURL, submodelID)
	respBody, err := c.doWithResilience(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}

	var submodel struct {
		SubmodelElements []struct {
			IDShort string `json:"idShort"`
			Value   any    `json:"value"`
		} `json:"submodelElements"`
	}
	if err := json.Unmarshal(respBody, &submodel); err != nil {
		return nil, fmt.Errorf("%w: decode submodel: %v", twinerr.ErrExecutionFailed, err)
	}

	out := make(map[string]any, len(submodel.SubmodelElements))
	for _, el := range submodel.SubmodelElements {
		out[el.IDShort] = el.Value
	}
	return out, nil
}

// FetchSubmodelRaw returns the raw JSON body of a submodel, for callers
// (internal/toolcatalog) that need the full AAS element tree -- operation
// signatures, qualifiers, descriptions -- rather than SnapshotSubmodel's
// flattened idShort/value map.
func (c *Client) FetchSubmodelRaw(ctx context.Context, submodelID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/submodels/%s", c.cfg.BaseURL, submodelID)
	return c.doWithResilience(ctx, endpoint, http.MethodGet, nil)
}

// doWithResilience performs one HTTP call with the per-endpoint circuit
// breaker, bounded concurrency, and retry-with-backoff on transient
// failures. When cfg.HMACSecret is set, every request to the configured
// base URL is signed per spec.md §4.3.
func (c *Client) doWithResilience(ctx context.Context, url, method string, body []byte) ([]byte, error) {
	cb := c.breakerFor(url)
	if !cb.Allow() {
		return nil, twinerr.ErrCircuitOpen.With(map[string]any{"endpoint": url})
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", twinerr.ErrTransportFailure, ctx.Err())
	}

	maxAttempts := c.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		respBody, statusCode, netErr := c.doOnce(ctx, url, method, body)
		if netErr == nil && statusCode < 400 {
			cb.Success()
			return respBody, nil
		}

		transient := isTransient(statusCode, netErr != nil, false)
		if netErr != nil {
			lastErr = fmt.Errorf("%w: %v", twinerr.ErrTransportFailure, netErr)
		} else {
			lastErr = fmt.Errorf("%w: status %d from %s", twinerr.ErrExecutionFailed, statusCode, url)
		}

		if !transient || attempt == maxAttempts-1 {
			cb.Failure()
			return nil, lastErr
		}

		delay := backoffDelay(attempt, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, c.cfg.RetryJitter)
		select {
		case <-ctx.Done():
			cb.Failure()
			return nil, fmt.Errorf("%w: %v", twinerr.ErrTransportFailure, ctx.Err())
		case <-time.After(delay):
		}
	}
	cb.Failure()
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url, method string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.cfg.HMACSecret != "" {
		hmacsign.Sign(req, c.cfg.HMACSecret, c.hmacHeader(), c.hmacTimestampHeader(), body)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) hmacHeader() string {
	if c.cfg.HMACHeader != "" {
		return c.cfg.HMACHeader
	}
	return "X-TwinOps-Signature"
}

func (c *Client) hmacTimestampHeader() string {
	if c.cfg.HMACTimestampHdr != "" {
		return c.cfg.HMACTimestampHdr
	}
	return "X-TwinOps-Timestamp"
}

// ResultDigest computes a stable digest of a Result's output arguments for
// the audit log's result_digest field.
func ResultDigest(r Result) (string, error) {
	return canonicalize.CanonicalHash(r.OutputArguments)
}
