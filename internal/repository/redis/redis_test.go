package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"admin-security/internal/client"
	"admin-security/internal/config"
)

// These tests need a live server: REDIS_TEST_URL=redis://localhost:6379/15
func newTestClient(t *testing.T) *client.RedisClient {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	cfg := &config.Config{Redis: config.RedisConfig{Enabled: true, URL: url, PoolSize: 10}}
	c, err := client.NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRateLimitStoreFixedWindow(t *testing.T) {
	store := NewRateLimitStore(newTestClient(t))
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	now := time.Now()

	_, ok, err := store.Get(ctx, key, now)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		w, err := store.Increment(ctx, key, time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, int64(i), w.Count)
		assert.WithinDuration(t, now.Add(time.Minute), w.ResetAt, 2*time.Second)
	}

	w, ok, err := store.Get(ctx, key, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), w.Count)
}

func TestRateLimitStoreWindowLapses(t *testing.T) {
	store := NewRateLimitStore(newTestClient(t))
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	_, err := store.Increment(ctx, key, 50*time.Millisecond, time.Now())
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	w, err := store.Increment(ctx, key, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Count)
}

func TestIdentityLockMutualExclusion(t *testing.T) {
	lock := NewIdentityLock(newTestClient(t), 2*time.Second, 5*time.Second)
	key := "identity:" + uuid.NewString()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := lock.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestIdentityLockTimesOut(t *testing.T) {
	lock := NewIdentityLock(newTestClient(t), 5*time.Second, 100*time.Millisecond)
	key := "identity:" + uuid.NewString()

	unlock, err := lock.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	_, err = lock.Lock(context.Background(), key)
	assert.ErrorIs(t, err, ErrLockTimeout)
}
