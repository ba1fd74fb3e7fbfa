package twinclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, 1)
	require.True(t, cb.Allow())

	cb.Failure()
	cb.Failure()
	require.Equal(t, "closed", cb.State())
	cb.Failure()

	require.Equal(t, "open", cb.State())
	require.False(t, cb.Allow())
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 2)
	cb.Failure()
	require.Equal(t, "open", cb.State())
	require.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, "half_open", cb.State())
}

func TestCircuitBreaker_HalfOpenBoundsProbeCount(t *testing.T) {
	cb := NewCircuitBreaker(1, 5*time.Millisecond, 2)
	cb.Failure()
	time.Sleep(10 * time.Millisecond)

	require.True(t, cb.Allow())  // probe 1
	require.True(t, cb.Allow())  // probe 2
	require.False(t, cb.Allow()) // exhausted
}

func TestCircuitBreaker_SuccessClosesFromHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 5*time.Millisecond, 2)
	cb.Failure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.Success()
	require.Equal(t, "closed", cb.State())
	require.True(t, cb.Allow())
}

func TestCircuitBreaker_FailureDuringHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 5*time.Millisecond, 2)
	cb.Failure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.Failure()
	require.Equal(t, "open", cb.State())
}
