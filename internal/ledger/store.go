package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("ledger: duplicate")
)

// TransactionStore persists payment transactions outside of the completion boundary.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	FindByProviderOrder(ctx context.Context, provider, orderID string) (Transaction, error)
	AttachProviderOrder(ctx context.Context, id uuid.UUID, provider, orderID string, data json.RawMessage, expiresAt time.Time) (Transaction, error)
}

// WebhookStore persists the webhook receipt log.
type WebhookStore interface {
	InsertWebhook(ctx context.Context, wh Webhook) (Webhook, error)
	UpdateWebhook(ctx context.Context, upd WebhookUpdate) error
}

// InvoiceStore persists invoices. CreateInvoiceIfAbsent returns the existing
// row and false when the transaction already has one.
type InvoiceStore interface {
	CreateInvoiceIfAbsent(ctx context.Context, inv Invoice) (Invoice, bool, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	GetInvoiceByTransaction(ctx context.Context, transactionID uuid.UUID) (Invoice, error)
	SetInvoiceRendered(ctx context.Context, id uuid.UUID, location string, at time.Time) (Invoice, error)
	RecordInvoiceEmail(ctx context.Context, id uuid.UUID, to string, at time.Time) (Invoice, error)
}

// TransitionStore holds the conditional status transitions. Both return
// changed=false with the current row when the transaction had already left PENDING.
type TransitionStore interface {
	CompleteTransaction(ctx context.Context, c Completion) (txn Transaction, changed bool, err error)
	FailTransaction(ctx context.Context, id uuid.UUID, reason string, data json.RawMessage) (txn Transaction, changed bool, err error)
}
