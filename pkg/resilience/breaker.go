// Package resilience guards every outbound dependency call with a circuit
// breaker and enforces per-agent ingress quotas. It is the leaf of the
// pipeline: nothing here depends on other bus packages beyond contracts.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker trips open after a run of consecutive failures within a
// rolling window, fails fast while open, and probes with a single request
// after the cooldown elapses.
type CircuitBreaker struct {
	mu sync.Mutex

	name      string
	threshold int           // consecutive failures to trip
	window    time.Duration // failures older than this don't count as consecutive
	cooldown  time.Duration // open -> half-open delay
	clock     func() time.Time
	logger    *slog.Logger

	state        BreakerState
	failureCount int
	firstFailure time.Time
	lastFailure  time.Time
}

// NewCircuitBreaker creates a closed breaker for the named dependency.
func NewCircuitBreaker(name string, threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		clock:     time.Now,
		state:     StateClosed,
		logger:    slog.Default().With("component", "breaker", "dependency", name),
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Name returns the guarded dependency name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. An open breaker transitions to
// half-open once the cooldown has elapsed, admitting a single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.clock().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = StateHalfOpen
			cb.logger.Info("breaker half-open, probing")
			return true
		}
		return false
	}
	return true
}

// Success records a successful call and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.logger.Info("breaker closed", "from", string(cb.state))
	}
	cb.state = StateClosed
	cb.failureCount = 0
}

// Failure records a failed call. A half-open probe failure reopens
// immediately; in the closed state the breaker trips once threshold
// consecutive failures land within the window.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.lastFailure = now
		cb.logger.Warn("breaker reopened after failed probe")
		return
	}

	// Failures outside the window restart the consecutive count.
	if cb.failureCount == 0 || now.Sub(cb.firstFailure) > cb.window {
		cb.failureCount = 0
		cb.firstFailure = now
	}
	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.threshold {
		cb.state = StateOpen
		cb.logger.Warn("breaker opened", "failures", cb.failureCount)
	}
}

// Do runs fn under the breaker. While open it fails fast with a typed
// DependencyError instead of blocking on the dependency.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return &contracts.DependencyError{Dependency: cb.name}
	}
	if err := fn(ctx); err != nil {
		cb.Failure()
		return &contracts.DependencyError{Dependency: cb.name, Err: err}
	}
	cb.Success()
	return nil
}
