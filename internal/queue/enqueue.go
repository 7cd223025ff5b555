package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 10
	defaultOnceTTL     = 24 * time.Hour
)

// enqueueScript sets the once marker (when ARGV[3] is non-empty) and adds the
// envelope in one step, so a crash between the two cannot drop a follow-up.
// Returns -1 for a duplicate, otherwise the new ready depth.
var enqueueScript = redis.NewScript(`
if ARGV[3] ~= "" then
  if not redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[3]) then
    return -1
  end
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
return redis.call("ZCARD", KEYS[1])
`)

// Enqueuer publishes follow-up tasks.
type Enqueuer struct {
	R      redis.UniversalClient
	Prefix string
	// DedupTTL is how long an idempotency key blocks re-enqueueing.
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue schedules t. A task whose IdempotencyKey was seen within DedupTTL
// is dropped silently.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	return e.EnqueueAt(ctx, t, time.Now())
}

// EnqueueAt schedules t to become due at due.
func (e Enqueuer) EnqueueAt(ctx context.Context, t Task, due time.Time) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return errBadKind
	}
	env := envelope{
		ID:      uuid.NewString(),
		Kind:    t.Kind,
		Key:     t.IdempotencyKey,
		Payload: t.Payload,
		Max:     firstPositive(t.MaxAttempts, e.MaxAttempts, defaultMaxAttempts),
	}
	raw, err := env.encode()
	if err != nil {
		return err
	}

	ks := newKeyspace(e.Prefix, t.Kind)
	onceKey, ttl := "", ""
	if env.Key != "" {
		onceKey = ks.once(env.Key)
		ttl = strconv.FormatInt(firstPositiveDuration(e.DedupTTL, defaultOnceTTL).Milliseconds(), 10)
	}
	depth, err := enqueueScript.Run(ctx, e.R, []string{ks.ready(), onceKey}, due.UnixMilli(), raw, ttl).Int64()
	if err != nil {
		return err
	}
	if depth >= 0 {
		FollowUpDepth.WithLabelValues(t.Kind).Set(float64(depth))
	}
	return nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
