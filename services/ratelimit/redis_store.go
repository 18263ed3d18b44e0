package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scores are unix milliseconds. Members carry a uuid so concurrent attempts
// in the same millisecond are all counted.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisStore is a WindowStore shared by every instance through a sorted
// set per key
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore; keys are stored under prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, maxAttempts int) (bool, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	allowed, err := admitScript.Run(ctx, s.client, []string{s.prefix + key},
		nowMs, window.Milliseconds(), maxAttempts, member).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	return allowed == 1, nil
}

func (s *RedisStore) Attempts(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error) {
	// exclusive lower bound matches ZREMRANGEBYSCORE's inclusive removal
	lower := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	scores, err := s.client.ZRangeByScoreWithScores(ctx, s.prefix+key, &redis.ZRangeBy{
		Min: lower,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	attempts := make([]time.Time, 0, len(scores))
	for _, z := range scores {
		attempts = append(attempts, time.UnixMilli(int64(z.Score)))
	}
	return attempts, nil
}
