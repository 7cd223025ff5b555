package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Activity is one entry of the payment activity log.
type Activity struct {
	ID            uuid.UUID       `json:"id"`
	Topic         string          `json:"topic"`
	TransactionID uuid.UUID       `json:"transactionId"`
	UserID        uuid.UUID       `json:"userId"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// ActivityStore defines the persistence operations required by the bus.
type ActivityStore interface {
	InsertActivity(ctx context.Context, a Activity) (Activity, error)
}

// Notifier reacts to recorded activity (e.g. email).
type Notifier interface {
	Notify(ctx context.Context, a Activity) error
}

// Bus persists activity and fans it out to notifiers.
type Bus struct {
	Store     ActivityStore
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit records the activity and dispatches it to all configured notifiers.
// Notifier failures are joined into the returned error; the record is kept.
func (b *Bus) Emit(ctx context.Context, topic string, transactionID, userID uuid.UUID, payload any) (Activity, error) {
	if b == nil || b.Store == nil {
		return Activity{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Activity{}, errors.New("events: topic is required")
	}
	if transactionID == uuid.Nil {
		return Activity{}, errors.New("events: transaction id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Activity{}, fmt.Errorf("events: encode payload: %w", err)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	rec, err := b.Store.InsertActivity(ctx, Activity{
		ID:            uuid.New(),
		Topic:         topic,
		TransactionID: transactionID,
		UserID:        userID,
		Payload:       encoded,
		OccurredAt:    now().UTC(),
	})
	if err != nil {
		return Activity{}, fmt.Errorf("events: persist activity: %w", err)
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, rec); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return rec, joined
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return validJSON(v)
	case []byte:
		return validJSON(v)
	default:
		return json.Marshal(v)
	}
}

func validJSON(v []byte) (json.RawMessage, error) {
	if len(v) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(v) {
		return nil, errors.New("payload is not valid json")
	}
	return append(json.RawMessage(nil), v...), nil
}
