package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when the lock expired or was taken over while the
// callback was still running.
var ErrLeaseLost = errors.New("lock: lease lost")

const defaultLease = 30 * time.Second

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker hands out redis leases keyed by name. A lease is renewed every
// third of its ttl while the callback runs, so slow follow-ups keep it.
type Locker struct {
	R            redis.UniversalClient
	Prefix       string
	RetryBackoff time.Duration
}

// WithLock waits for the lease on key, runs fn under it and releases it.
// fn's context is cancelled if the lease is lost.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if ttl <= 0 {
		ttl = defaultLease
	}
	key = l.name(key)
	owner := uuid.NewString()
	if err := l.acquire(ctx, key, owner, ttl); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(runCtx, key, owner, ttl, cancel)
	}()

	err := fn(runCtx)
	cancel(nil)
	<-renewed
	_ = unlockScript.Run(context.WithoutCancel(ctx), l.R, []string{key}, owner).Err()

	if err == nil && errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		return ErrLeaseLost
	}
	return err
}

func (l Locker) acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-t.C:
		}
		ok, err := l.R.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		t.Reset(backoff)
	}
}

func (l Locker) keepAlive(ctx context.Context, key, owner string, ttl time.Duration, lost context.CancelCauseFunc) {
	tick := time.NewTicker(ttl / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := renewScript.Run(ctx, l.R, []string{key}, owner, ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil || n == 0 {
				lost(ErrLeaseLost)
				return
			}
		}
	}
}

func (l Locker) name(key string) string {
	if l.Prefix == "" {
		return "lock:" + key
	}
	return l.Prefix + ":lock:" + key
}
