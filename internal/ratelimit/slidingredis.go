package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingScript trims the window, then records the attempt only if it fits.
// Rejected attempts are not recorded, so a caller that keeps retrying is let
// back in as soon as its oldest accepted attempt leaves the window.
// Returns {allowed, count, oldest_ms}.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local first = now
if oldest[2] then
  first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// SlidingWindow implements Limiter with one Redis sorted set per key, scored
// by attempt time in milliseconds.
type SlidingWindow struct {
	Client redis.UniversalClient
	Prefix string
}

// Take implements Limiter.
func (l SlidingWindow) Take(ctx context.Context, key string, q Quota) (Decision, error) {
	now := time.Now()
	if l.Client == nil || q.unlimited() {
		return q.open(now), nil
	}
	res, err := slidingScript.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), q.Window.Milliseconds(), q.Max, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: max(q.Max-int(res[1]), 0),
		Reset:     time.UnixMilli(res[2]).Add(q.Window),
	}, nil
}
