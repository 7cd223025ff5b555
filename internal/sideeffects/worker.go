package sideeffects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/lock"
	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/queue"
)

// Kinds lists every follow-up kind a worker consumes.
func Kinds() []payables.FollowUp {
	return []payables.FollowUp{payables.FollowUpAccessCode, payables.FollowUpInvoice, payables.FollowUpNotification}
}

// Worker executes queued follow-ups under a per-task distributed lock.
type Worker struct {
	Handlers *Handlers
	Locker   lock.Locker
	LockTTL  time.Duration
}

// Handle executes one queued follow-up.
func (w Worker) Handle(ctx context.Context, task queue.Task) error {
	if w.Handlers == nil {
		return errors.New("sideeffects worker: handlers not configured")
	}
	var p Payload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.TransactionID == uuid.Nil {
		// undecodable tasks are acknowledged; retrying cannot fix them
		obs.CountSideEffect(task.Kind, "discarded")
		return nil
	}
	kind := payables.FollowUp(task.Kind)
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := fmt.Sprintf("sideeffect:%s", IdempotencyKey(p.TransactionID, kind))
	err := w.Locker.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		return w.Handlers.Run(ctx, kind, p.TransactionID)
	})
	if err != nil {
		obs.CountSideEffect(task.Kind, "failed")
		return err
	}
	obs.CountSideEffect(task.Kind, "ok")
	return nil
}

// WorkerOptions configures the queue workers of every follow-up kind.
type WorkerOptions struct {
	Redis             redis.UniversalClient
	Prefix            string
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	DLQ               queue.Store
	Logger            *zerolog.Logger
}

// QueueWorkers builds one queue.Worker per follow-up kind, all backed by w.
func (w Worker) QueueWorkers(opts WorkerOptions) []queue.Worker {
	workers := make([]queue.Worker, 0, len(Kinds()))
	for _, kind := range Kinds() {
		workers = append(workers, queue.Worker{
			R:                 opts.Redis,
			Prefix:            opts.Prefix,
			Kind:              string(kind),
			Concurrency:       opts.Concurrency,
			VisibilityTimeout: opts.VisibilityTimeout,
			Handler:           w.Handle,
			RetryBase:         opts.RetryBase,
			RetryJitter:       opts.RetryJitter,
			Store:             opts.DLQ,
			Logger:            opts.Logger,
		})
	}
	return workers
}
