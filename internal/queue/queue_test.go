package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// runWorker starts w and returns a func that stops it and reports Run's error.
func runWorker(t *testing.T, w queue.Worker) (context.CancelFunc, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, func() error {
		select {
		case err := <-errc:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func TestWorkerDeliversTask(t *testing.T) {
	client := newRedis(t)
	got := make(chan queue.Task, 1)
	stop, wait := runWorker(t, queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "notification",
		VisibilityTimeout: time.Second,
		Handler: func(_ context.Context, task queue.Task) error {
			got <- task
			return nil
		},
	})

	enq := queue.Enqueuer{R: client, Prefix: "test"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "notification", Payload: []byte(`{"transactionId":"t1"}`), IdempotencyKey: "t1:notification"}))

	select {
	case task := <-got:
		require.Equal(t, `{"transactionId":"t1"}`, string(task.Payload))
		require.Equal(t, "t1:notification", task.IdempotencyKey)
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, 10, task.MaxAttempts)
	case <-time.After(time.Second):
		t.Fatal("task not delivered")
	}
	stop()
	require.NoError(t, wait())
}

func TestEnqueueOncePerIdempotencyKey(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup", DedupTTL: time.Minute}
	ctx := context.Background()

	for range 3 {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "invoice", Payload: []byte("x"), IdempotencyKey: "txn-9:invoice"}))
	}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "invoice", Payload: []byte("y")}))

	depth, err := client.ZCard(ctx, queue.ReadyKey("dedup", "invoice")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)
	ttl, err := client.PTTL(ctx, queue.OnceKey("dedup", "invoice", "txn-9:invoice")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 50*time.Second)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	client := newRedis(t)
	ctx := context.Background()

	require.Error(t, queue.Enqueuer{R: client}.Enqueue(ctx, queue.Task{Kind: "Invoice Task"}))
	require.Error(t, queue.Enqueuer{R: client}.Enqueue(ctx, queue.Task{Kind: "invoice:v2"}))
	require.Error(t, queue.Enqueuer{}.Enqueue(ctx, queue.Task{Kind: "invoice"}))
}

func TestEnqueueAtHoldsTaskUntilDue(t *testing.T) {
	client := newRedis(t)
	var calls atomic.Int32
	stop, wait := runWorker(t, queue.Worker{
		R:                 client,
		Kind:              "membership",
		VisibilityTimeout: time.Second,
		Handler: func(context.Context, queue.Task) error {
			calls.Add(1)
			return nil
		},
	})

	enq := queue.Enqueuer{R: client}
	require.NoError(t, enq.EnqueueAt(context.Background(), queue.Task{Kind: "membership"}, time.Now().Add(400*time.Millisecond)))

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, calls.Load())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	stop()
	require.NoError(t, wait())
}

func TestWorkerRetriesWithIncreasingAttempt(t *testing.T) {
	client := newRedis(t)
	attempts := make(chan int, 3)
	stop, wait := runWorker(t, queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "access-code",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Handler: func(_ context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt < 3 {
				return errors.New("provider busy")
			}
			return nil
		},
	})

	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "access-code", IdempotencyKey: "r1", MaxAttempts: 5}))

	for want := 1; want <= 3; want++ {
		select {
		case got := <-attempts:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}
	stop()
	require.NoError(t, wait())
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	client := newRedis(t)
	var calls atomic.Int32
	recovered := make(chan struct{})
	stop, wait := runWorker(t, queue.Worker{
		R:                 client,
		Prefix:            "panic",
		Kind:              "invoice",
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			if calls.Add(1) == 1 {
				panic("renderer exploded")
			}
			close(recovered)
			return nil
		},
	})

	enq := queue.Enqueuer{R: client, Prefix: "panic"}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "invoice", MaxAttempts: 3}))

	select {
	case <-recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	stop()
	require.NoError(t, wait())
	require.EqualValues(t, 2, calls.Load())
}

func TestWorkerRejectsIncompleteConfig(t *testing.T) {
	client := newRedis(t)
	handler := func(context.Context, queue.Task) error { return nil }
	ctx := context.Background()

	require.Error(t, queue.Worker{Kind: "invoice", Handler: handler}.Run(ctx))
	require.Error(t, queue.Worker{R: client, Kind: "invoice"}.Run(ctx))
	require.Error(t, queue.Worker{R: client, Kind: "", Handler: handler}.Run(ctx))
}
