package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps the sliding window in a Redis sorted set so multiple
// replicas share one view of each user's budget. Selected by REDIS_URL;
// semantics match Window.
type RedisWindow struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	script *redis.Script
}

// NewRedisWindow builds a Redis-backed limiter. A nil client yields a
// limiter that admits everything.
func NewRedisWindow(rdb *redis.Client, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		redis:  rdb,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindowScript),
	}
}

// The script prunes, checks, and records atomically. retry_after is
// returned in milliseconds because Redis truncates Lua floats to integers.
const luaSlidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  local retry_ms = 0
  if oldest[2] then
    retry_ms = math.ceil(((tonumber(oldest[2]) + window) - now) * 1000)
    if retry_ms < 0 then retry_ms = 0 end
  end
  return { 0, retry_ms }
end

redis.call("ZADD", key, now, member)
redis.call("EXPIRE", key, math.ceil(window))
return { 1, 0 }
`

// Allow runs the window script for the key. Redis failures admit the
// request; an unreachable limiter must not take submissions down with it.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + key},
		l.window.Seconds(), l.limit, now, uuid.NewString()).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
