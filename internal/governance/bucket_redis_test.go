package governance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBucketStore) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisBucketStore(client, "test:")
	t.Cleanup(func() {
		_ = store.Close()
		mr.Close()
	})
	return mr, store
}

func TestRedisBucketStore_FixedWindow(t *testing.T) {
	mr, store := setupTestRedis(t)
	rl, err := NewRateLimiter(DefaultRateLimiterConfig(), WithBucketStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, rl.Check(ctx, "198.51.100.4"), "request %d", i+1)
	}

	err = rl.Check(ctx, "198.51.100.4")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	rlErr, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rlErr.RetryAfter, time.Minute)

	// Rejections do not increment the stored counter.
	val, err := mr.Get("test:198.51.100.4")
	require.NoError(t, err)
	assert.Equal(t, "10", val)

	mr.FastForward(61 * time.Second)

	decision, err := rl.Allow(ctx, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, decision.Count)
}

func TestRedisBucketStore_KeysExpireWithWindow(t *testing.T) {
	mr, store := setupTestRedis(t)
	cfg := RateLimiterConfig{MaxRequests: 3, Window: 30 * time.Second}

	_, err := store.Take(context.Background(), "client", cfg, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, mr.TTL("test:client"))
	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("test:client"))
}

func TestRedisBucketStore_PropagatesConnectionErrors(t *testing.T) {
	mr, store := setupTestRedis(t)
	mr.Close()

	_, err := store.Take(context.Background(), "client", DefaultRateLimiterConfig(), time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
	require.Error(t, store.Ping(context.Background()))
}

func TestNewRedisBucketStoreFromURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisBucketStoreFromURL("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))

	_, err = NewRedisBucketStoreFromURL("://not-a-url")
	require.Error(t, err)
}
