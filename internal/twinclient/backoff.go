package twinclient

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoffDelay computes base * 2^attempt, clamped to maxDelay, with up to
// jitterRatio of additional random jitter. Grounded on the teacher's
// pkg/util/resiliency.EnhancedClient.Do (exponential-with-jitter shape)
// and pkg/kernel/retry/backoff.go (exponential capped at a max, though
// that file derives jitter deterministically for replay purposes — this
// client has no such replay requirement, so jitter here is genuinely
// random, sourced from crypto/rand like the resiliency client).
func backoffDelay(attempt int, base, maxDelay time.Duration, jitterRatio float64) time.Duration {
	mult := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * mult)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	if jitterRatio <= 0 {
		return delay
	}
	jitterSpan := int64(float64(delay) * jitterRatio)
	if jitterSpan <= 0 {
		return delay
	}
	n, err := rand.Int(rand.Reader, big.NewInt(jitterSpan))
	if err != nil {
		return delay
	}
	return delay + time.Duration(n.Int64())
}

// isTransient reports whether an error should be retried: network errors
// and 5xx responses are transient, everything else (4xx, malformed input,
// policy/circuit errors) is not, per spec.md §4.3/§7.
func isTransient(statusCode int, networkErr bool, explicitRetry bool) bool {
	if networkErr || explicitRetry {
		return true
	}
	return statusCode >= 500
}
