package source

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker implements a simple state machine for failure detection.
// An open breaker makes the owning source report itself unavailable.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	clock        func() time.Time

	// trialInFlight is set while the single half-open trial call is outstanding.
	trialInFlight bool
	trialStarted  time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a
// trial call through once resetTimeout has elapsed.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		clock:        time.Now,
	}
}

// Allow reports whether a call may proceed. Once the reset timeout has
// elapsed exactly one caller gets through as the trial call; the others
// are refused until it reports back or its lease (one reset timeout)
// runs out.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case BreakerOpen:
		if now.Sub(cb.lastFailure) <= cb.resetTimeout {
			return false
		}
		cb.state = BreakerHalfOpen
	case BreakerHalfOpen:
		if cb.trialInFlight && now.Sub(cb.trialStarted) <= cb.resetTimeout {
			return false
		}
	default:
		return true
	}
	cb.trialInFlight = true
	cb.trialStarted = now
	return true
}

// Release hands back an outstanding trial call whose outcome says nothing
// about the source, so the next caller may try instead.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

// Success closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.trialInFlight = false
}

// Failure records a fault. A failed half-open trial call reopens immediately.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// State returns the current state without transitioning it.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
