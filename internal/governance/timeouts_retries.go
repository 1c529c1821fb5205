package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Stage names a bounded step of the protection pipeline.
type Stage string

const (
	StageScreening Stage = "screening"
	StageBlockhash Stage = "blockhash"
	StageRelay     Stage = "relay"
)

// TimeoutConfig bounds each outbound call made while serving one request.
type TimeoutConfig struct {
	Screening time.Duration
	Blockhash time.Duration
	Relay     time.Duration
}

// DefaultTimeoutConfig returns the stage budgets: 5s for screening and the
// blockhash fetch, 10s for relay submission.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Screening: 5 * time.Second,
		Blockhash: 5 * time.Second,
		Relay:     10 * time.Second,
	}
}

// TimeoutManager enforces per-stage deadlines.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager, filling unset budgets with defaults.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config.Screening <= 0 {
		config.Screening = defaults.Screening
	}
	if config.Blockhash <= 0 {
		config.Blockhash = defaults.Blockhash
	}
	if config.Relay <= 0 {
		config.Relay = defaults.Relay
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// Budget returns the deadline budget for stage.
func (tm *TimeoutManager) Budget(stage Stage) time.Duration {
	switch stage {
	case StageScreening:
		return tm.config.Screening
	case StageBlockhash:
		return tm.config.Blockhash
	case StageRelay:
		return tm.config.Relay
	default:
		return tm.config.Relay
	}
}

// WithStageTimeout derives a context bounded by the stage budget.
func (tm *TimeoutManager) WithStageTimeout(ctx context.Context, stage Stage) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.Budget(stage))
}

// RetryConfig defines retry behaviour for startup probes. Request-path calls
// are never retried: a stale blockhash would make every retry fail the same way.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool
}

// DefaultRetryConfig returns defaults for startup connectivity probes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy retries a probe with exponential backoff.
type RetryPolicy struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config, sleep: sleepContext}
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, the attempts are exhausted or ctx is done.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < rp.config.MaxRetries {
			if err := rp.sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
