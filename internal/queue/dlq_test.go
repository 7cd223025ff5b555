package queue_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/queue"
)

func TestExhaustedTaskIsBuried(t *testing.T) {
	client := newRedis(t)
	store := newGraveyard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zerolog.New(io.Discard)
	w := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              "invoice",
		VisibilityTimeout: 120 * time.Millisecond,
		RetryBase:         5 * time.Millisecond,
		Store:             store,
		Logger:            &log,
		Handler: func(context.Context, queue.Task) error {
			return errors.New("smtp unavailable")
		},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "invoice", Payload: []byte("body"), IdempotencyKey: "txn-1:invoice"}))

	require.Eventually(t, func() bool {
		n, _ := store.CountBuried(context.Background(), "invoice")
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	for _, dl := range store.all() {
		require.Equal(t, "txn-1:invoice", dl.IdempotencyKey)
		require.Equal(t, 2, dl.Attempts)
		require.NotNil(t, dl.LastError)
		require.Equal(t, "smtp unavailable", *dl.LastError)
	}
	require.Equal(t, 1.0, testutil.ToFloat64(queue.FollowUpDLQSize.WithLabelValues("invoice")))
	require.Equal(t, 1.0, testutil.ToFloat64(queue.FollowUpOutcomes.WithLabelValues("invoice", "dead")))

	// burying clears the once marker so the follow-up can be enqueued again
	n, err := client.Exists(context.Background(), queue.OnceKey("dlq", "invoice", "txn-1:invoice")).Result()
	require.NoError(t, err)
	require.Zero(t, n)
	dead, err := client.LLen(context.Background(), "dlq:fu:invoice:dead").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, dead)
}

func TestRefreshDLQMetrics(t *testing.T) {
	store := newGraveyard()
	for range 2 {
		_, err := store.Bury(context.Background(), queue.DeadLetter{Kind: "access-code"})
		require.NoError(t, err)
	}

	require.NoError(t, queue.RefreshDLQMetrics(context.Background(), store))
	require.Equal(t, 2.0, testutil.ToFloat64(queue.FollowUpDLQSize.WithLabelValues("access-code")))
	require.ErrorIs(t, queue.RefreshDLQMetrics(context.Background(), nil), queue.ErrStoreUnavailable)
}
