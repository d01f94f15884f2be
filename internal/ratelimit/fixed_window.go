package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindow implements a distributed fixed-window rate limiter using Redis.
// The first request of a window starts its expiry; the counter resets when
// the window lapses.
type FixedWindow struct {
	client *redis.Client
	max    int
	window time.Duration
}

// NewFixedWindow constructs a limiter allowing max requests per window.
func NewFixedWindow(client *redis.Client, max int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		client: client,
		max:    max,
		window: window,
	}
}

// Allow consumes one request slot for the given key if available.
// Returns the allowed flag and how many requests remain in the window.
func (l *FixedWindow) Allow(ctx context.Context, key string) (bool, int64, error) {
	res, err := windowScript.Run(ctx, l.client, []string{key}, l.max, l.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	remaining, _ := arr[1].(int64)
	return allowed, remaining, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('PEXPIRE', key, window_ms)
end

if count > max then
  return {0, 0}
end
return {1, max - count}
`)
