package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/darkwingducks/darkwing/pkg/domain"
)

// RateLimiterConfig defines the fixed-window admission budget applied per client.
type RateLimiterConfig struct {
	// MaxRequests is the number of requests admitted per client and window.
	MaxRequests int
	// Window is the length of one fixed window.
	Window time.Duration
}

// DefaultRateLimiterConfig returns the default budget of 10 requests per minute.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequests: 10,
		Window:      60 * time.Second,
	}
}

// Validate rejects budgets that would never admit a request.
func (c RateLimiterConfig) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: rate limit must be > 0", domain.ErrConfigInvalid)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: rate limit window must be > 0", domain.ErrConfigInvalid)
	}
	return nil
}

// RateLimitedError is returned when a client exhausted its budget for the
// current window. It matches domain.ErrRateLimited with errors.Is.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", retrySeconds(e.RetryAfter))
}

// Is makes RateLimitedError match domain.ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == domain.ErrRateLimited
}

func retrySeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Decision is the outcome of charging one request against a client bucket.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// BucketStore holds per-client window state.
type BucketStore interface {
	// Take charges one request for key under cfg at time now.
	Take(ctx context.Context, key string, cfg RateLimiterConfig, now time.Time) (Decision, error)
}

// Sweeper is implemented by stores that need explicit eviction of idle buckets.
type Sweeper interface {
	Sweep(now time.Time, window time.Duration) int
}

// RateLimiter implements fixed-window admission control keyed by client identity.
type RateLimiter struct {
	mu     sync.RWMutex
	config RateLimiterConfig
	store  BucketStore
	now    func() time.Time
}

// RateLimiterOption customises a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// WithBucketStore replaces the default in-memory bucket store.
func WithBucketStore(store BucketStore) RateLimiterOption {
	return func(rl *RateLimiter) {
		if store != nil {
			rl.store = store
		}
	}
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config RateLimiterConfig, opts ...RateLimiterOption) (*RateLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rl := &RateLimiter{
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.store == nil {
		rl.store = NewMemoryBucketStore()
	}
	return rl, nil
}

// Configure replaces the budget. Existing buckets keep their window start and
// are judged against the new budget on their next access.
func (rl *RateLimiter) Configure(config RateLimiterConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config
	return nil
}

// Config returns the active budget.
func (rl *RateLimiter) Config() RateLimiterConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.config
}

// Allow charges one request for clientKey and reports the decision.
func (rl *RateLimiter) Allow(ctx context.Context, clientKey string) (Decision, error) {
	return rl.store.Take(ctx, clientKey, rl.Config(), rl.now())
}

// Check admits or rejects one request for clientKey. A rejection is a
// *RateLimitedError; store failures are returned as-is.
func (rl *RateLimiter) Check(ctx context.Context, clientKey string) error {
	decision, err := rl.Allow(ctx, clientKey)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if !decision.Allowed {
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

// RunJanitor evicts finished windows every interval until ctx is done. It is
// a no-op for stores that expire state on their own.
func (rl *RateLimiter) RunJanitor(ctx context.Context, interval time.Duration) {
	sweeper, ok := rl.store.(Sweeper)
	if !ok {
		return
	}
	if interval <= 0 {
		interval = rl.Config().Window
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.Sweep(rl.now(), rl.Config().Window)
		}
	}
}

// Stats returns current rate limit statistics.
func (rl *RateLimiter) Stats() RateLimitStats {
	cfg := rl.Config()
	stats := RateLimitStats{
		Limit:  cfg.MaxRequests,
		Window: cfg.Window.String(),
	}
	if counter, ok := rl.store.(interface{ Len() int }); ok {
		stats.TrackedClients = counter.Len()
	}
	return stats
}

// RateLimitStats exposes the limiter budget and bucket population.
type RateLimitStats struct {
	Limit          int    `json:"limit"`
	Window         string `json:"window"`
	TrackedClients int    `json:"trackedClients"`
}

// IsRateLimited reports whether err is a rate limit rejection and returns it.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rlErr *RateLimitedError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit int, retryAfter time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(retryAfter), 10))
	}
}
