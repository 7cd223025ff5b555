package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/common"
	"github.com/noah-isme/paycore/internal/events"
	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/notify"
	"github.com/noah-isme/paycore/internal/payables"
	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
)

// Store is the persistence the generator needs.
type Store interface {
	ledger.InvoiceStore
	payables.Lookup
	GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
}

// ActivityRecorder records invoice activity.
type ActivityRecorder interface {
	Emit(ctx context.Context, topic string, transactionID, userID uuid.UUID, payload any) (events.Activity, error)
}

// Renderer produces a viewable document for an invoice and returns its location.
type Renderer interface {
	Render(ctx context.Context, doc Document) (location string, html string, err error)
}

// Document is the stored invoice body.
type Document struct {
	InvoiceNumber string            `json:"invoiceNumber"`
	IssuedAt      time.Time         `json:"issuedAt"`
	Transaction   TransactionInfo   `json:"transaction"`
	Payer         payables.Payer    `json:"payer"`
	Items         []pricing.Item    `json:"items"`
	Breakdown     pricing.Breakdown `json:"breakdown"`
	Total         pricing.Money     `json:"total"`
	Currency      string            `json:"currency"`
	Reference     map[string]any    `json:"reference,omitempty"`
}

// TransactionInfo is the gateway linkage printed on an invoice.
type TransactionInfo struct {
	ID                uuid.UUID            `json:"id"`
	Number            string               `json:"transactionNumber"`
	ReferenceType     ledger.ReferenceType `json:"referenceType"`
	Description       string               `json:"description,omitempty"`
	Provider          string               `json:"provider"`
	ProviderOrderID   string               `json:"providerOrderId,omitempty"`
	ProviderPaymentID string               `json:"providerPaymentId,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

var (
	// ErrNotCompleted is returned when an invoice is requested for an unpaid transaction.
	ErrNotCompleted = errors.New("invoice: transaction is not completed")
	// ErrNotFound is returned when the transaction or invoice is missing or owned by someone else.
	ErrNotFound = errors.New("invoice: not found")
)

// Generator builds, renders and emails invoices.
type Generator struct {
	Store    Store
	Payables *payables.Registry
	Renderer Renderer
	Sender   notify.Sender
	Activity ActivityRecorder
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// Generate creates the invoice of a completed transaction, or returns the
// existing one. It is safe to call repeatedly.
func (g *Generator) Generate(ctx context.Context, transactionID uuid.UUID) (ledger.Invoice, error) {
	txn, err := g.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invoice{}, notFound()
		}
		return ledger.Invoice{}, err
	}
	if txn.Status != ledger.StatusCompleted {
		return ledger.Invoice{}, &common.AppError{
			Code:       "INVALID_STATE",
			Message:    "invoice is only available for completed payments",
			HTTPStatus: http.StatusConflict,
			Err:        ErrNotCompleted,
		}
	}
	if existing, err := g.Store.GetInvoiceByTransaction(ctx, txn.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Invoice{}, err
	}

	now := g.now()
	doc, err := g.document(ctx, txn, payment.NewInvoiceNumber(now), now)
	if err != nil {
		return ledger.Invoice{}, err
	}
	inv, err := g.create(ctx, txn, doc)
	if errors.Is(err, ledger.ErrDuplicate) {
		doc.InvoiceNumber = payment.NewInvoiceNumber(now)
		inv, err = g.create(ctx, txn, doc)
	}
	return inv, err
}

func (g *Generator) create(ctx context.Context, txn ledger.Transaction, doc Document) (ledger.Invoice, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("invoice: encode document: %w", err)
	}
	inv, created, err := g.Store.CreateInvoiceIfAbsent(ctx, ledger.Invoice{
		ID:            uuid.New(),
		Number:        doc.InvoiceNumber,
		TransactionID: txn.ID,
		Document:      encoded,
		CreatedAt:     doc.IssuedAt,
	})
	if err != nil {
		return ledger.Invoice{}, err
	}
	if created {
		g.Logger.Info().Str("transaction_id", txn.ID.String()).Str("invoice_number", inv.Number).Msg("invoice generated")
		g.record(ctx, events.TopicInvoiceGenerated, txn, map[string]any{"invoiceNumber": inv.Number, "invoiceId": inv.ID})
	}
	return inv, nil
}

func (g *Generator) document(ctx context.Context, txn ledger.Transaction, number string, now time.Time) (Document, error) {
	user, err := g.Store.GetUser(ctx, txn.UserID)
	if err != nil {
		return Document{}, fmt.Errorf("invoice: load payer: %w", err)
	}
	var reference map[string]any
	if p, ok := g.Payables.Get(txn.ReferenceType); ok {
		reference, err = p.Describe(ctx, g.Store, txn)
		if err != nil {
			g.Logger.Warn().Err(err).Str("transaction_id", txn.ID.String()).Msg("invoice reference detail unavailable")
			reference = nil
		}
	}
	items := txn.Items
	if len(items) == 0 {
		items = itemsFromBreakdown(txn.Breakdown)
	}
	return Document{
		InvoiceNumber: number,
		IssuedAt:      now,
		Transaction: TransactionInfo{
			ID:                txn.ID,
			Number:            txn.Number,
			ReferenceType:     txn.ReferenceType,
			Description:       txn.Description,
			Provider:          txn.Provider,
			ProviderOrderID:   txn.ProviderOrderID,
			ProviderPaymentID: txn.ProviderPaymentID,
			CompletedAt:       txn.CompletedAt,
		},
		Payer:     payables.Payer{UserID: user.ID, Name: user.Name, Email: user.Email, Phone: user.Phone},
		Items:     items,
		Breakdown: txn.Breakdown,
		Total:     txn.Amount,
		Currency:  txn.Currency,
		Reference: reference,
	}, nil
}

func itemsFromBreakdown(b pricing.Breakdown) []pricing.Item {
	items := make([]pricing.Item, 0, len(b.Components))
	for _, c := range b.Components {
		items = append(items, pricing.LineItem(c.Label, 1, c.Amount))
	}
	return items
}

// Get returns the invoice of a transaction owned by userID. A completed
// transaction whose invoice follow-up has not run yet gets its invoice
// generated here; unpaid transactions have none.
func (g *Generator) Get(ctx context.Context, transactionID, userID uuid.UUID) (ledger.Invoice, error) {
	txn, err := g.Store.GetTransaction(ctx, transactionID)
	if err != nil || txn.UserID != userID {
		if err == nil || errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invoice{}, notFound()
		}
		return ledger.Invoice{}, err
	}
	inv, err := g.Store.GetInvoiceByTransaction(ctx, transactionID)
	switch {
	case err == nil:
		return inv, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return ledger.Invoice{}, err
	case txn.Status != ledger.StatusCompleted:
		return ledger.Invoice{}, notFound()
	}
	return g.Generate(ctx, transactionID)
}

// Render renders an invoice and stores its location. Nothing else is updated.
func (g *Generator) Render(ctx context.Context, invoiceID uuid.UUID) (ledger.Invoice, error) {
	inv, doc, err := g.load(ctx, invoiceID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if g.Renderer == nil {
		return inv, nil
	}
	location, _, err := g.Renderer.Render(ctx, doc)
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("invoice: render %s: %w", inv.Number, err)
	}
	return g.Store.SetInvoiceRendered(ctx, inv.ID, location, g.now())
}

// SendEmail emails the invoice of a completed transaction to email, or to the
// payer when email is empty. Only the delivery fields of the invoice change.
func (g *Generator) SendEmail(ctx context.Context, transactionID uuid.UUID, email string) (ledger.Invoice, error) {
	inv, err := g.Generate(ctx, transactionID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	if g.Sender == nil {
		return inv, nil
	}
	_, doc, err := g.load(ctx, inv.ID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	txn, err := g.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		return ledger.Invoice{}, err
	}
	user, err := g.Store.GetUser(ctx, txn.UserID)
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("invoice: load payer: %w", err)
	}
	var body string
	if g.Renderer != nil {
		if _, body, err = g.Renderer.Render(ctx, doc); err != nil {
			return ledger.Invoice{}, fmt.Errorf("invoice: render %s: %w", inv.Number, err)
		}
	}
	to := email
	if to == "" {
		to = user.Email
	}
	note := notify.Note{
		Kind:    notify.KindInvoice,
		Subject: "Invoice " + inv.Number,
		Details: map[string]string{"No. Invoice": inv.Number},
		HTML:    body,
		To:      to,
	}
	if err := g.Sender.Send(ctx, user, txn, note); err != nil {
		return ledger.Invoice{}, err
	}
	updated, err := g.Store.RecordInvoiceEmail(ctx, inv.ID, to, g.now())
	if err != nil {
		return ledger.Invoice{}, err
	}
	g.record(ctx, events.TopicInvoiceEmailed, txn, map[string]any{"invoiceNumber": inv.Number, "sendCount": updated.EmailSendCount})
	return updated, nil
}

// Resend emails the invoice of a transaction owned by userID.
func (g *Generator) Resend(ctx context.Context, transactionID, userID uuid.UUID, email string) (ledger.Invoice, error) {
	txn, err := g.Store.GetTransaction(ctx, transactionID)
	if err != nil || txn.UserID != userID {
		if err == nil || errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invoice{}, notFound()
		}
		return ledger.Invoice{}, err
	}
	return g.SendEmail(ctx, transactionID, email)
}

func (g *Generator) load(ctx context.Context, invoiceID uuid.UUID) (ledger.Invoice, Document, error) {
	inv, err := g.Store.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invoice{}, Document{}, notFound()
		}
		return ledger.Invoice{}, Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(inv.Document, &doc); err != nil {
		return ledger.Invoice{}, Document{}, fmt.Errorf("invoice: decode document: %w", err)
	}
	return inv, doc, nil
}

func (g *Generator) record(ctx context.Context, topic string, txn ledger.Transaction, payload map[string]any) {
	if g.Activity == nil {
		return
	}
	if _, err := g.Activity.Emit(ctx, topic, txn.ID, txn.UserID, payload); err != nil {
		g.Logger.Warn().Err(err).Str("topic", topic).Str("transaction_id", txn.ID.String()).Msg("record activity failed")
	}
}

func notFound() *common.AppError {
	return &common.AppError{
		Code:       "NOT_FOUND",
		Message:    "invoice not found",
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}
