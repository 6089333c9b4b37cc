package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"admin-security/internal/client"
	"admin-security/internal/models"
	"admin-security/internal/util"
)

const rateLimitPrefix = "admin-security:rate:"

// incrementWindow opens the window on the first hit so the key lapses on its
// own. Returns {count, remaining ttl in ms}.
var incrementWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimitStore keeps fixed-window counters in Redis so every replica
// shares one budget per client.
type RateLimitStore struct {
	client *client.RedisClient
}

func NewRateLimitStore(c *client.RedisClient) *RateLimitStore {
	return &RateLimitStore{client: c}
}

func (s *RateLimitStore) Get(ctx context.Context, key string, now time.Time) (models.RateWindow, bool, error) {
	rk := rateLimitPrefix + key
	pipe := s.client.Client.Pipeline()
	getCmd := pipe.Get(ctx, rk)
	ttlCmd := pipe.PTTL(ctx, rk)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return models.RateWindow{}, false, fmt.Errorf("failed to read rate window: %w", err)
	}

	count, err := getCmd.Int64()
	if err == redis.Nil {
		return models.RateWindow{}, false, nil
	}
	if err != nil {
		return models.RateWindow{}, false, fmt.Errorf("invalid rate window: %w", err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return models.RateWindow{}, false, nil
	}
	return models.RateWindow{Key: key, Count: count, ResetAt: now.Add(ttl)}, true, nil
}

func (s *RateLimitStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (models.RateWindow, error) {
	res, err := s.client.RunScript(ctx, incrementWindow, []string{rateLimitPrefix + key}, window.Milliseconds())
	if err != nil {
		util.Error("Failed to increment rate window", zap.String("key", key), zap.Error(err))
		return models.RateWindow{}, fmt.Errorf("failed to increment rate window: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return models.RateWindow{}, fmt.Errorf("unexpected rate window reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)
	return models.RateWindow{
		Key:     key,
		Count:   count,
		ResetAt: now.Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// Expire is a no-op: Redis drops lapsed windows through key TTLs.
func (s *RateLimitStore) Expire(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
