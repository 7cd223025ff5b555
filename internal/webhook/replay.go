package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard claims a provider event for the webhook row processing it, so a
// redelivery arriving while the first is in flight is short-circuited.
type ReplayGuard interface {
	// Claim returns false and the current holder when the event is taken.
	Claim(ctx context.Context, key string, owner uuid.UUID, ttl time.Duration) (bool, string, error)
	// Release drops the claim only if owner still holds it.
	Release(ctx context.Context, key string, owner uuid.UUID) error
}

var releaseClaim = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// RedisReplayGuard keeps claims under Prefix+key with the owning webhook id as
// the value.
type RedisReplayGuard struct {
	Client redis.UniversalClient
	Prefix string
}

func (g RedisReplayGuard) Claim(ctx context.Context, key string, owner uuid.UUID, ttl time.Duration) (bool, string, error) {
	if g.Client == nil {
		return true, "", nil
	}
	k := g.Prefix + key
	ok, err := g.Client.SetNX(ctx, k, owner.String(), ttl).Result()
	if err != nil || ok {
		return ok, "", err
	}
	holder, err := g.Client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; the next redelivery will claim it
		return false, "", nil
	}
	return false, holder, err
}

func (g RedisReplayGuard) Release(ctx context.Context, key string, owner uuid.UUID) error {
	if g.Client == nil {
		return nil
	}
	return releaseClaim.Run(ctx, g.Client, []string{g.Prefix + key}, owner.String()).Err()
}
