// Package resilience implements the per-provider circuit breaker and retry
// policy that gate outbound calls to LLM adapters.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the closed sum type of circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// DefaultBreakerConfig returns the standard breaker parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker is a per-provider failure-tracking state machine gating
// calls to an upstream adapter. Safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	lastFailureTime  time.Time
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewCircuitBreaker creates a breaker starting in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
	}
}

// CanExecute reports whether a call may proceed. In the open state it
// atomically transitions to half_open once the recovery timeout has
// elapsed and admits the caller. In half_open every call is admitted until
// the next RecordSuccess or RecordFailure settles the state; the number of
// concurrent trial calls is not limited.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.recoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and, from half_open, closes the
// breaker. It never touches lastFailureTime; that is the job of Reset.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.state = StateClosed
}

// RecordFailure increments the failure count and trips the breaker open
// once the threshold is reached, from either closed or half_open.
func (b *CircuitBreaker) RecordFailure() (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		return true
	}
	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
		return true
	}
	return false
}

// Reset forces the breaker back to closed, clearing both the failure count
// and the last-failure timestamp. Distinct from RecordSuccess: this is the
// admin-triggered reset (e.g. POST /metrics/reset), not a normal success.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.state = StateClosed
}

// Snapshot is a point-in-time, lock-free copy of breaker state for health
// reporting.
type Snapshot struct {
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
}

// State returns a snapshot of the breaker's current state.
func (b *CircuitBreaker) State() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// IsAvailable is the adapter-facing convenience wrapper around
// CanExecute.
func (b *CircuitBreaker) IsAvailable() bool {
	return b.CanExecute()
}
