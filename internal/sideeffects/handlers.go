package sideeffects

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/notify"
	"github.com/noah-isme/paycore/internal/payables"
)

// ErrUnknownKind is returned for follow-up kinds without a handler.
var ErrUnknownKind = errors.New("sideeffects: unknown follow-up kind")

// Store is what the handlers read.
type Store interface {
	payables.Lookup
	payables.AccessCodeIssuer
	GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
}

// Invoices is the invoice generator surface used by the invoice follow-up.
type Invoices interface {
	Generate(ctx context.Context, transactionID uuid.UUID) (ledger.Invoice, error)
	Render(ctx context.Context, invoiceID uuid.UUID) (ledger.Invoice, error)
	SendEmail(ctx context.Context, transactionID uuid.UUID, email string) (ledger.Invoice, error)
}

// Handlers executes follow-ups. Every handler can be re-run for the same
// transaction without duplicating state; the notification may be sent again.
type Handlers struct {
	Store    Store
	Invoices Invoices
	Sender   notify.Sender
	Logger   zerolog.Logger
	// NewCode generates access codes; defaults to AC-<8 hex>.
	NewCode func() string
}

// Run executes the follow-up kind for transactionID.
func (h *Handlers) Run(ctx context.Context, kind payables.FollowUp, transactionID uuid.UUID) error {
	txn, err := h.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("sideeffects: load transaction: %w", err)
	}
	if txn.Status != ledger.StatusCompleted {
		return fmt.Errorf("sideeffects: transaction %s is %s", txn.ID, txn.Status)
	}
	switch kind {
	case payables.FollowUpInvoice:
		return h.invoice(ctx, txn)
	case payables.FollowUpNotification:
		return h.notification(ctx, txn)
	case payables.FollowUpAccessCode:
		_, err := h.accessCode(ctx, txn)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func (h *Handlers) invoice(ctx context.Context, txn ledger.Transaction) error {
	if h.Invoices == nil {
		return nil
	}
	inv, err := h.Invoices.Generate(ctx, txn.ID)
	if err != nil {
		return err
	}
	if inv.RenderedAt == nil {
		if inv, err = h.Invoices.Render(ctx, inv.ID); err != nil {
			return err
		}
	}
	if inv.EmailSentAt != nil {
		return nil
	}
	_, err = h.Invoices.SendEmail(ctx, txn.ID, "")
	return err
}

func (h *Handlers) notification(ctx context.Context, txn ledger.Transaction) error {
	if h.Sender == nil {
		return nil
	}
	user, err := h.Store.GetUser(ctx, txn.UserID)
	if err != nil {
		return fmt.Errorf("sideeffects: load user: %w", err)
	}
	details := map[string]string{}
	if reg, err := payables.RegistrationFor(ctx, h.Store, txn); err == nil && reg.AccessCode != "" {
		details["Kode Akses"] = reg.AccessCode
	}
	return h.Sender.Send(ctx, user, txn, notify.Note{Kind: notify.KindPaymentCompleted, Details: details})
}

func (h *Handlers) accessCode(ctx context.Context, txn ledger.Transaction) (string, error) {
	reg, err := payables.RegistrationFor(ctx, h.Store, txn)
	if err != nil {
		return "", err
	}
	if reg.AccessCode != "" {
		return reg.AccessCode, nil
	}
	code, err := h.Store.IssueAccessCode(ctx, reg.ID, h.newCode())
	if err != nil {
		return "", fmt.Errorf("sideeffects: issue access code: %w", err)
	}
	h.Logger.Info().Str("transaction_id", txn.ID.String()).Str("registration_id", reg.ID.String()).Msg("access code issued")
	return code, nil
}

func (h *Handlers) newCode() string {
	if h.NewCode != nil {
		return h.NewCode()
	}
	return "AC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
