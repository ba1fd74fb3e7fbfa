package twinclient

import (
	"sync"
	"time"
)

// stateKind is the circuit breaker's sum-type tag, extended from the
// teacher's pkg/util/resiliency.CircuitBreaker (which uses a bare
// "CLOSED"/"OPEN"/"HALF_OPEN" string) into the explicit Closed/Open(
// since,until)/HalfOpen(remaining) shape spec.md §3 requires.
type stateKind int

const (
	stateClosed stateKind = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker fast-fails calls to a remote endpoint after repeated
// failures, and bounds how many probe calls are allowed during recovery.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	state            stateKind
	consecutiveFails int
	openedAt         time.Time
	halfOpenRemaining int
}

// NewCircuitBreaker constructs a closed circuit breaker.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		state:            stateClosed,
	}
}

// State reports the breaker's current state name, for diagnostics/audit details.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Allow reports whether a call may proceed, transitioning Open to
// HalfOpen once the recovery timeout has elapsed and admitting at most
// halfOpenMaxCalls probes during that window.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			return false
		}
		cb.state = stateHalfOpen
		cb.halfOpenRemaining = cb.halfOpenMaxCalls
		// fall through to half-open admission below
	case stateHalfOpen:
		// handled below
	}

	if cb.state == stateHalfOpen {
		if cb.halfOpenRemaining <= 0 {
			return false
		}
		cb.halfOpenRemaining--
		return true
	}
	return true
}

// Success records a successful call, closing the circuit if it was
// half-open and resetting the failure count.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.consecutiveFails = 0
}

// Failure records a failed call, opening the circuit once the
// consecutive-failure threshold is reached (or immediately, if the
// failure occurred during a half-open probe).
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		cb.state = stateOpen
		cb.openedAt = time.Now()
		cb.consecutiveFails = cb.failureThreshold
		return
	}

	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.failureThreshold {
		cb.state = stateOpen
		cb.openedAt = time.Now()
	}
}
