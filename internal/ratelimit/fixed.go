package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow implements Limiter on top of a ulule/limiter store. It is
// cheaper than SlidingWindow but allows bursts at window boundaries.
type FixedWindow struct {
	Store limiter.Store
}

// NewRedisFixedWindow builds a FixedWindow whose counters live in redis.
func NewRedisFixedWindow(client *redis.Client, prefix string) (FixedWindow, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return FixedWindow{}, err
	}
	return FixedWindow{Store: store}, nil
}

// Take implements Limiter.
func (f FixedWindow) Take(ctx context.Context, key string, q Quota) (Decision, error) {
	now := time.Now()
	if f.Store == nil || q.unlimited() {
		return q.open(now), nil
	}
	res, err := limiter.New(f.Store, limiter.Rate{Period: q.Window, Limit: int64(q.Max)}).Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: !res.Reached, Remaining: int(res.Remaining), Reset: time.Unix(res.Reset, 0)}, nil
}
