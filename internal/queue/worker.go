package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/resilience"
)

const pollInterval = 100 * time.Millisecond

var errVisibilityLapsed = errors.New("queue: visibility timeout lapsed before the task was settled")

// claimScript moves the earliest due envelope from ready to inflight, scored
// by its visibility deadline.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
  return false
end
redis.call("ZREM", KEYS[1], due[1])
redis.call("ZADD", KEYS[2], ARGV[2], due[1])
return due[1]
`)

// moveScript replaces an inflight member with its successor in ready. It is a
// no-op when another worker or the reaper already took the member.
var moveScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// buryScript moves an inflight member to the dead list and clears its once
// marker so the follow-up can be replayed by hand.
var buryScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("LPUSH", KEYS[2], ARGV[2])
if KEYS[3] ~= "" then
  redis.call("DEL", KEYS[3])
end
return 1
`)

// Worker consumes the tasks of one kind. A claimed task stays invisible for
// VisibilityTimeout; if its worker dies the reaper makes it due again and
// the lost delivery counts as an attempt.
type Worker struct {
	R                 redis.UniversalClient
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call; zero means VisibilityTimeout.
	SoftDeadline time.Duration
	Handler      func(context.Context, Task) error
	RetryBase    time.Duration
	RetryJitter  float64
	// Store receives exhausted tasks. Without it they are kept only in the
	// redis dead list.
	Store  Store
	Logger *zerolog.Logger
}

// Run processes tasks until ctx is cancelled, then waits for in-flight
// handlers to settle.
func (w Worker) Run(ctx context.Context) error {
	switch {
	case w.R == nil:
		return errors.New("queue: worker redis client not configured")
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !validKind(w.Kind):
		return errBadKind
	}
	ks := newKeyspace(w.Prefix, w.Kind)
	visibility := firstPositiveDuration(w.VisibilityTimeout, 30*time.Second)
	slots := make(chan struct{}, max(w.Concurrency, 1))

	var wg sync.WaitGroup
	defer wg.Wait()
	reaper := time.NewTicker(visibility / 2)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reaper.C:
			if err := w.reap(ctx, ks); err != nil && ctx.Err() == nil {
				w.log().Warn().Err(err).Str("kind", w.Kind).Msg("queue: reap inflight failed")
			}
		case slots <- struct{}{}:
			now := time.Now()
			raw, err := claimScript.Run(ctx, w.R, []string{ks.ready(), ks.inflight()},
				now.UnixMilli(), now.Add(visibility).UnixMilli()).Text()
			if err != nil {
				<-slots
				switch {
				case ctx.Err() != nil:
					return nil
				case errors.Is(err, redis.Nil):
					w.pause(ctx, pollInterval)
					continue
				default:
					return fmt.Errorf("queue: claim %s: %w", w.Kind, err)
				}
			}
			env, err := decodeEnvelope(raw)
			if err != nil {
				<-slots
				w.log().Error().Err(err).Str("kind", w.Kind).Msg("queue: dropping undecodable task")
				_ = w.R.ZRem(context.WithoutCancel(ctx), ks.inflight(), raw).Err()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				w.deliver(ctx, ks, raw, env)
			}()
		}
	}
}

func (w Worker) deliver(ctx context.Context, ks keyspace, raw string, env envelope) {
	deadline := firstPositiveDuration(w.SoftDeadline, w.VisibilityTimeout, 30*time.Second)
	if w.VisibilityTimeout > 0 && deadline > w.VisibilityTimeout {
		deadline = w.VisibilityTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	err := w.invoke(jobCtx, Task{
		Kind:           env.Kind,
		Payload:        env.Payload,
		IdempotencyKey: env.Key,
		MaxAttempts:    env.Max,
		Attempt:        env.Spent + 1,
	})
	cancel()

	// settling must survive both the job deadline and shutdown
	book := context.WithoutCancel(ctx)
	env.Spent++
	switch {
	case err == nil:
		w.ack(book, ks, raw, env)
	case env.Max > 0 && env.Spent >= env.Max:
		w.bury(book, ks, raw, env, err)
	default:
		w.retry(book, ks, raw, env, err)
	}
}

func (w Worker) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: handler panic: %v", rec)
		}
	}()
	return w.Handler(ctx, t)
}

func (w Worker) ack(ctx context.Context, ks keyspace, raw string, env envelope) {
	if err := w.R.ZRem(ctx, ks.inflight(), raw).Err(); err != nil {
		w.log().Warn().Err(err).Str("kind", env.Kind).Str("task_id", env.ID).Msg("queue: ack failed, task may be redelivered")
	}
	recordOutcome(env.Kind, "ok", env.Spent)
	if depth, err := w.R.ZCard(ctx, ks.ready()).Result(); err == nil {
		FollowUpDepth.WithLabelValues(env.Kind).Set(float64(depth))
	}
}

func (w Worker) retry(ctx context.Context, ks keyspace, raw string, env envelope, cause error) {
	delay := resilience.Backoff(firstPositiveDuration(w.RetryBase, 200*time.Millisecond), env.Spent, w.RetryJitter)
	next, err := env.encode()
	if err != nil {
		return
	}
	moved, err := moveScript.Run(ctx, w.R, []string{ks.inflight(), ks.ready()}, raw, next, time.Now().Add(delay).UnixMilli()).Int()
	if err != nil || moved == 0 {
		return
	}
	recordOutcome(env.Kind, "retry", env.Spent)
	w.log().Warn().Err(cause).
		Str("kind", env.Kind).
		Str("task_id", env.ID).
		Str("key", env.Key).
		Int("attempt", env.Spent).
		Dur("retry_in", delay).
		Msg("queue: task failed, retrying")
}

func (w Worker) bury(ctx context.Context, ks keyspace, raw string, env envelope, cause error) {
	dead, err := env.encode()
	if err != nil {
		return
	}
	onceKey := ""
	if env.Key != "" {
		onceKey = ks.once(env.Key)
	}
	buried, err := buryScript.Run(ctx, w.R, []string{ks.inflight(), ks.dead(), onceKey}, raw, dead).Int()
	if err != nil || buried == 0 {
		return
	}
	recordOutcome(env.Kind, "dead", env.Spent)
	w.log().Error().Err(cause).
		Str("kind", env.Kind).
		Str("task_id", env.ID).
		Str("key", env.Key).
		Int("attempt", env.Spent).
		Msg("queue: task exhausted, moved to dead letters")

	if w.Store == nil {
		return
	}
	reason := cause.Error()
	if _, err := w.Store.Bury(ctx, DeadLetter{
		Kind:           env.Kind,
		IdempotencyKey: env.Key,
		Payload:        []byte(dead),
		Attempts:       env.Spent,
		LastError:      &reason,
	}); err != nil {
		w.log().Error().Err(err).Str("kind", env.Kind).Str("task_id", env.ID).Msg("queue: persist dead letter failed")
		return
	}
	if n, err := w.Store.CountBuried(ctx, env.Kind); err == nil {
		FollowUpDLQSize.WithLabelValues(env.Kind).Set(float64(n))
	}
}

// reap returns tasks whose visibility deadline passed to the ready set.
func (w Worker) reap(ctx context.Context, ks keyspace) error {
	lapsed, err := w.R.ZRangeByScore(ctx, ks.inflight(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(time.Now().UnixMilli()),
	}).Result()
	if err != nil {
		return err
	}
	for _, raw := range lapsed {
		env, err := decodeEnvelope(raw)
		if err != nil {
			_ = w.R.ZRem(ctx, ks.inflight(), raw).Err()
			continue
		}
		env.Spent++
		if env.Max > 0 && env.Spent >= env.Max {
			w.bury(ctx, ks, raw, env, errVisibilityLapsed)
			continue
		}
		next, err := env.encode()
		if err != nil {
			continue
		}
		if _, err := moveScript.Run(ctx, w.R, []string{ks.inflight(), ks.ready()}, raw, next, time.Now().UnixMilli()).Result(); err != nil {
			return err
		}
	}
	return nil
}

func (w Worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w Worker) log() *zerolog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	nop := zerolog.Nop()
	return &nop
}
