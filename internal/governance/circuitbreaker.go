package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the service has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before a trial call is allowed.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of concurrent trial calls allowed while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the screening defaults: three strikes, one minute.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the three-state circuit breaker pattern. State
// transitions out of Open are evaluated lazily when a call is attempted.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    CircuitBreakerState
	config   CircuitBreakerConfig
	metrics  circuitMetrics
	now      func() time.Time
	onChange func(from, to CircuitBreakerState)
}

type circuitMetrics struct {
	consecutiveFailures int
	halfOpenRequests    int
	totalFailures       int
	totalSuccesses      int
	lastFailure         time.Time
	lastStateChange     time.Time
}

// CircuitBreakerOption customises a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChangeHook registers fn to be called on every transition. fn runs
// with the breaker lock held and must not call back into the breaker.
func WithStateChangeHook(fn func(from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}

	cb := &CircuitBreaker{
		state:  StateClosed,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.metrics.lastStateChange = cb.now()
	return cb
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// ExecuteContext wraps a function call with circuit breaker and context
// support. A call that ends because ctx was cancelled is not recorded.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
		cb.Abandon()
	default:
		cb.RecordFailure()
	}
	return err
}

// Allow reports whether a call may proceed. The lock is released before the
// caller performs the call; the outcome must then be reported through
// RecordSuccess, RecordFailure or Abandon.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(cb.metrics.lastFailure) > cb.config.Timeout {
			cb.transitionToLocked(StateHalfOpen, now)
			cb.metrics.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.metrics.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.metrics.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.totalSuccesses++
	cb.metrics.consecutiveFailures = 0
	cb.transitionToLocked(StateClosed, cb.now())
}

// RecordFailure counts a failed call, opening the circuit once the
// threshold is reached or immediately when the failed call was a trial.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.metrics.totalFailures++
	cb.metrics.consecutiveFailures++
	cb.metrics.lastFailure = now

	switch cb.state {
	case StateHalfOpen:
		cb.transitionToLocked(StateOpen, now)
	case StateClosed:
		if cb.metrics.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

// Abandon releases a trial slot taken by Allow without recording an outcome.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.metrics.halfOpenRequests > 0 {
		cb.metrics.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	prev := cb.state
	cb.state = newState
	cb.metrics.lastStateChange = now
	cb.metrics.halfOpenRequests = 0

	if newState == StateClosed {
		cb.metrics.consecutiveFailures = 0
		cb.metrics.lastFailure = time.Time{}
	}

	if cb.onChange != nil {
		cb.onChange(prev, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the failures recorded since the last success.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metrics.consecutiveFailures
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.metrics.consecutiveFailures,
		Failures:            cb.metrics.totalFailures,
		Successes:           cb.metrics.totalSuccesses,
		LastStateChange:     cb.metrics.lastStateChange.Format(time.RFC3339),
		Timeout:             cb.config.Timeout.String(),
		FailureThreshold:    cb.config.MaxFailures,
	}
	if !cb.metrics.lastFailure.IsZero() {
		stats.LastFailure = cb.metrics.lastFailure.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	LastFailure         string `json:"lastFailure,omitempty"`
	LastStateChange     string `json:"lastStateChange"`
	Timeout             string `json:"timeout"`
	FailureThreshold    int    `json:"failureThreshold"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed, cb.now())
	cb.metrics.consecutiveFailures = 0
	cb.metrics.totalFailures = 0
	cb.metrics.totalSuccesses = 0
}
