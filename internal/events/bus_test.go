package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/events"
)

type stubStore struct {
	inserted []events.Activity
	err      error
}

func (s *stubStore) InsertActivity(_ context.Context, a events.Activity) (events.Activity, error) {
	if s.err != nil {
		return events.Activity{}, s.err
	}
	s.inserted = append(s.inserted, a)
	return a, nil
}

type captureNotifier struct {
	got []events.Activity
	err error
}

func (c *captureNotifier) Notify(_ context.Context, a events.Activity) error {
	c.got = append(c.got, a)
	return c.err
}

func TestEmitPersistsActivity(t *testing.T) {
	store := &stubStore{}
	notifier := &captureNotifier{}
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{notifier}, Now: func() time.Time { return fixed }}

	txnID, userID := uuid.New(), uuid.New()
	rec, err := bus.Emit(context.Background(), events.TopicPaymentCompleted, txnID, userID, map[string]any{"amount": 25500})
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	require.Equal(t, events.TopicPaymentCompleted, rec.Topic)
	require.Equal(t, txnID, rec.TransactionID)
	require.Equal(t, fixed, rec.OccurredAt)
	require.JSONEq(t, `{"amount":25500}`, string(rec.Payload))
	require.Len(t, notifier.got, 1)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(notifier.got[0].Payload, &decoded))
	require.EqualValues(t, 25500, decoded["amount"])
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	store := &stubStore{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{
		&captureNotifier{err: errors.New("smtp down")},
		&captureNotifier{},
	}}
	_, err := bus.Emit(context.Background(), events.TopicPaymentFailed, uuid.New(), uuid.New(), nil)
	require.ErrorContains(t, err, "smtp down")
	require.Len(t, store.inserted, 1)
}

func TestEmitValidatesInput(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), " ", uuid.New(), uuid.Nil, nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicPaymentInitiated, uuid.Nil, uuid.Nil, nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicPaymentInitiated, uuid.New(), uuid.Nil, []byte("{bad"))
	require.Error(t, err)
}
