package sideeffects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/billing"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/queue"
)

// Runner schedules the follow-ups of one completed transaction.
type Runner interface {
	Submit(ctx context.Context, transactionID uuid.UUID, kinds []payables.FollowUp) error
}

// Dispatcher hands follow-ups to a Runner. Failures are logged and never
// change the transaction.
type Dispatcher struct {
	Runner Runner
	Logger zerolog.Logger
}

var _ billing.Dispatcher = (*Dispatcher)(nil)

// Dispatch implements billing.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, txn ledger.Transaction, kinds []payables.FollowUp) {
	if d == nil || d.Runner == nil || len(kinds) == 0 {
		return
	}
	if err := d.Runner.Submit(ctx, txn.ID, kinds); err != nil {
		d.Logger.Error().Err(err).Str("transaction_id", txn.ID.String()).Msg("schedule follow-ups failed")
		for _, kind := range kinds {
			obs.CountSideEffect(string(kind), "schedule_failed")
		}
	}
}

// Payload is the queue task body of a follow-up.
type Payload struct {
	TransactionID uuid.UUID `json:"transactionId"`
}

// IdempotencyKey is the dedup key of a follow-up task.
func IdempotencyKey(transactionID uuid.UUID, kind payables.FollowUp) string {
	return transactionID.String() + ":" + string(kind)
}

// QueueRunner enqueues one task per follow-up on the redis queue.
type QueueRunner struct {
	Queue       queue.Enqueuer
	MaxAttempts int
}

// Submit implements Runner.
func (r QueueRunner) Submit(ctx context.Context, transactionID uuid.UUID, kinds []payables.FollowUp) error {
	body, err := json.Marshal(Payload{TransactionID: transactionID})
	if err != nil {
		return err
	}
	var joined error
	for _, kind := range kinds {
		err := r.Queue.Enqueue(ctx, queue.Task{
			Kind:           string(kind),
			Payload:        body,
			IdempotencyKey: IdempotencyKey(transactionID, kind),
			MaxAttempts:    r.MaxAttempts,
		})
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("enqueue %s: %w", kind, err))
			continue
		}
		obs.CountSideEffect(string(kind), "enqueued")
	}
	return joined
}

// InlineRunner runs follow-ups in a background goroutine, in declared order,
// recovering from handler panics. It is used when no redis queue is configured.
type InlineRunner struct {
	Handlers *Handlers
	Logger   zerolog.Logger

	wg sync.WaitGroup
}

// Submit implements Runner. It returns immediately.
func (r *InlineRunner) Submit(ctx context.Context, transactionID uuid.UUID, kinds []payables.FollowUp) error {
	if r.Handlers == nil {
		return errors.New("sideeffects: handlers not configured")
	}
	kinds = append([]payables.FollowUp(nil), kinds...)
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, kind := range kinds {
			if err := r.runOne(ctx, transactionID, kind); err != nil {
				se := &billing.SideEffectError{TransactionID: transactionID, Kind: string(kind), Err: err}
				r.Logger.Error().Err(se).Str("transaction_id", transactionID.String()).Str("kind", string(kind)).Msg("follow-up failed")
				obs.CountSideEffect(string(kind), "failed")
				continue
			}
			obs.CountSideEffect(string(kind), "ok")
		}
	}()
	return nil
}

func (r *InlineRunner) runOne(ctx context.Context, transactionID uuid.UUID, kind payables.FollowUp) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Handlers.Run(ctx, kind, transactionID)
}

// Wait blocks until every submitted batch has finished.
func (r *InlineRunner) Wait() {
	r.wg.Wait()
}
