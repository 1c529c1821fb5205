package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutManager_Budgets(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{Relay: 3 * time.Second})

	assert.Equal(t, 5*time.Second, tm.Budget(StageScreening))
	assert.Equal(t, 5*time.Second, tm.Budget(StageBlockhash))
	assert.Equal(t, 3*time.Second, tm.Budget(StageRelay))

	ctx, cancel := tm.WithStageTimeout(context.Background(), StageRelay)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), deadline, time.Second)
}

func TestRetryPolicy_Do(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	var slept []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempts := 0
	err := rp.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2)
}

func TestRetryPolicy_DoExhausted(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	rp.sleep = func(context.Context, time.Duration) error { return nil }

	probeErr := errors.New("relay unreachable")
	err := rp.Do(context.Background(), func(context.Context) error { return probeErr })
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.ErrorIs(t, err, probeErr)
}

func TestRetryPolicy_DoStopsOnCancel(t *testing.T) {
	rp := NewRetryPolicy(DefaultRetryConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rp.Do(ctx, func(context.Context) error {
		t.Fatal("probe must not run with a done context")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_CalculateBackoffCaps(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, BackoffMultiplier: 2})

	assert.Equal(t, time.Second, rp.CalculateBackoff(0))
	assert.Equal(t, 2*time.Second, rp.CalculateBackoff(1))
	assert.Equal(t, 4*time.Second, rp.CalculateBackoff(5))
}
