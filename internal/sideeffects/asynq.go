package sideeffects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/noah-isme/paycore/internal/obs"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/queue"
)

// AsynqQueue is the asynq queue follow-ups are enqueued on.
const AsynqQueue = "payments"

// AsynqEnqueuer is the subset of *asynq.Client used by AsynqRunner.
type AsynqEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqRunner schedules follow-ups as asynq tasks. The task id is the
// follow-up idempotency key so duplicates collapse in redis.
type AsynqRunner struct {
	Client    AsynqEnqueuer
	MaxRetry  int
	Retention time.Duration
}

// Submit implements Runner.
func (r AsynqRunner) Submit(ctx context.Context, transactionID uuid.UUID, kinds []payables.FollowUp) error {
	if r.Client == nil {
		return errors.New("sideeffects: asynq client not configured")
	}
	body, err := json.Marshal(Payload{TransactionID: transactionID})
	if err != nil {
		return err
	}
	var joined error
	for _, kind := range kinds {
		_, err := r.Client.EnqueueContext(ctx, asynq.NewTask(string(kind), body), r.options(transactionID, kind)...)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			obs.CountSideEffect(string(kind), "deduplicated")
		case err != nil:
			joined = errors.Join(joined, fmt.Errorf("enqueue %s: %w", kind, err))
		default:
			obs.CountSideEffect(string(kind), "enqueued")
		}
	}
	return joined
}

func (r AsynqRunner) options(transactionID uuid.UUID, kind payables.FollowUp) []asynq.Option {
	maxRetry := r.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	retention := r.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return []asynq.Option{
		asynq.TaskID(IdempotencyKey(transactionID, kind)),
		asynq.Queue(AsynqQueue),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
	}
}

// AsynqMux routes every follow-up kind to w.
func (w Worker) AsynqMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, kind := range Kinds() {
		mux.HandleFunc(string(kind), w.HandleAsynq)
	}
	return mux
}

// HandleAsynq adapts an asynq task to Handle.
func (w Worker) HandleAsynq(ctx context.Context, t *asynq.Task) error {
	attempt, _ := asynq.GetRetryCount(ctx)
	return w.Handle(ctx, queue.Task{Kind: t.Type(), Payload: t.Payload(), Attempt: attempt + 1})
}
