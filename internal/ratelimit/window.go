package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is a global rolling-window rate limiter backed by Redis. The TSDR
// quota is per process group, not per job, so every worker shares one key;
// Redis serializes all mutation of the window state.
type Window struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
}

// NewWindow constructs a limiter admitting at most limit starts per window.
func NewWindow(client *redis.Client, key string, limit int, window time.Duration) *Window {
	if window == 0 {
		window = time.Minute
	}
	return &Window{client: client, key: key, limit: limit, window: window}
}

// Allow attempts to claim one admission slot. When denied it reports how long
// until the oldest admission leaves the window.
func (w *Window) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := windowScript.Run(ctx, w.client, []string{w.key},
		w.limit, now, w.window.Milliseconds(), uuid.NewString()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected limiter script reply: %T", res)
	}
	allowed := arr[0].(int64) == 1
	waitMs, _ := arr[1].(int64)
	return allowed, time.Duration(waitMs) * time.Millisecond, nil
}

// Acquire blocks until a slot is admitted or ctx is done. It never rejects a
// caller solely due to throttling.
func (w *Window) Acquire(ctx context.Context) error {
	for {
		allowed, wait, err := w.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		// Competing workers may take the slot we are waiting for, so poll
		// again no later than one second out.
		if wait <= 0 || wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window - (now - tonumber(oldest[2]))
if wait < 0 then wait = 0 end
return {0, wait}
`)
