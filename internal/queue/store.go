package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable is returned when no dead-letter store is configured.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// Store keeps follow-ups that exhausted their attempts for manual replay.
type Store interface {
	Bury(ctx context.Context, dl DeadLetter) (uuid.UUID, error)
	// CountBuried counts dead letters of kind, or of every kind when empty.
	CountBuried(ctx context.Context, kind string) (int64, error)
	BuriedByKind(ctx context.Context) (map[string]int64, error)
}

// DeadLetter is one row of queue_dlq.
type DeadLetter struct {
	ID             uuid.UUID
	Kind           string
	IdempotencyKey string
	Payload        []byte
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
}

// NewStore returns a postgres-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const (
	buryQuery = `
		INSERT INTO queue_dlq (kind, idem_key, payload, attempts, last_error)
		VALUES (@kind, @key, @payload, @attempts, @last_error)
		RETURNING id`
	countBuriedQuery = `
		SELECT count(*) FROM queue_dlq
		WHERE @kind::text = '' OR kind = @kind`
	buriedByKindQuery = `
		SELECT kind, count(*) FROM queue_dlq
		GROUP BY kind`
)

func (s *pgStore) ready() bool { return s != nil && s.pool != nil }

func (s *pgStore) Bury(ctx context.Context, dl DeadLetter) (uuid.UUID, error) {
	if !s.ready() {
		return uuid.Nil, ErrStoreUnavailable
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, buryQuery, pgx.NamedArgs{
		"kind":       dl.Kind,
		"key":        dl.IdempotencyKey,
		"payload":    dl.Payload,
		"attempts":   dl.Attempts,
		"last_error": dl.LastError,
	}).Scan(&id)
	return id, err
}

func (s *pgStore) CountBuried(ctx context.Context, kind string) (int64, error) {
	if !s.ready() {
		return 0, ErrStoreUnavailable
	}
	var n int64
	err := s.pool.QueryRow(ctx, countBuriedQuery, pgx.NamedArgs{"kind": kind}).Scan(&n)
	return n, err
}

func (s *pgStore) BuriedByKind(ctx context.Context) (map[string]int64, error) {
	if !s.ready() {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, buriedByKindQuery)
	if err != nil {
		return nil, err
	}
	sizes := map[string]int64{}
	var (
		kind string
		n    int64
	)
	_, err = pgx.ForEachRow(rows, []any{&kind, &n}, func() error {
		sizes[kind] = n
		return nil
	})
	return sizes, err
}

// RefreshDLQMetrics publishes the persisted dead-letter sizes.
func RefreshDLQMetrics(ctx context.Context, s Store) error {
	if s == nil {
		return ErrStoreUnavailable
	}
	sizes, err := s.BuriedByKind(ctx)
	if err != nil {
		return err
	}
	for kind, n := range sizes {
		FollowUpDLQSize.WithLabelValues(kind).Set(float64(n))
	}
	return nil
}
