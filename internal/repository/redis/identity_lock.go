package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admin-security/internal/client"
	"admin-security/internal/util"
)

const lockPrefix = "admin-security:lock:"

var ErrLockTimeout = errors.New("timed out waiting for lock")

// releaseLock deletes the key only while it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdentityLock is a lease-based mutex shared by all replicas. It keeps
// session-cap enforcement atomic per identity across processes.
type IdentityLock struct {
	client *client.RedisClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

func NewIdentityLock(c *client.RedisClient, ttl, wait time.Duration) *IdentityLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &IdentityLock{client: c, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

func (l *IdentityLock) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newLockToken()
	if err != nil {
		return nil, err
	}
	rk := lockPrefix + key

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	backoff := l.retry
	for {
		ok, err := l.client.SetNX(ctx, rk, token, l.ttl)
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	return func() {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		if _, err := l.client.RunScript(rctx, releaseLock, []string{rk}, token); err != nil {
			util.Warn("Failed to release identity lock, it will lapse",
				zap.String("key", key), zap.Duration("ttl", l.ttl), zap.Error(err))
		}
	}, nil
}

func newLockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
