package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// advanceScript performs next = max(now, next) + increment atomically.
// Values are Unix milliseconds. The key expires once next has passed, at
// which point it is indistinguishable from a key never charged.
var advanceScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local increment = tonumber(ARGV[2])

	local next = tonumber(redis.call('GET', key) or '0')
	if next < now then
		next = now
	end

	if increment > 0 then
		next = next + increment
		redis.call('SET', key, next, 'PX', next - now)
	end

	return next
`)

// RedisStore shares limiter state across processes through Redis
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client; keys are namespaced by prefix
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "roomchat:limiter:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Advance implements Store
func (s *RedisStore) Advance(ctx context.Context, key string, now time.Time, increment time.Duration) (time.Time, error) {
	nowMs := now.UnixMilli()
	incMs := increment.Milliseconds()

	next, err := advanceScript.Run(ctx, s.client, []string{s.prefix + key}, nowMs, incMs).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis script error: %w", err)
	}

	return time.UnixMilli(next), nil
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
