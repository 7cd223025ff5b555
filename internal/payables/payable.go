package payables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

// FollowUp names a secondary side effect that runs after completion commits.
type FollowUp string

const (
	FollowUpAccessCode   FollowUp = "access-code"
	FollowUpInvoice      FollowUp = "invoice"
	FollowUpNotification FollowUp = "notification"
)

// Context carries optional in-flight data supplied by the caller.
type Context struct {
	Guests         []Guest       `json:"guests,omitempty" validate:"omitempty,max=20,dive"`
	DonationAmount pricing.Money `json:"donationAmount,omitempty" validate:"gte=0"`
	Amount         pricing.Money `json:"amount,omitempty" validate:"gte=0"`
	BillingCycle   BillingCycle  `json:"billingCycle,omitempty" validate:"omitempty,oneof=MONTHLY YEARLY"`
}

// Request identifies what is being priced and for whom.
type Request struct {
	Type        ledger.ReferenceType
	ReferenceID uuid.UUID
	UserID      uuid.UUID
	Context     Context
	Now         time.Time
}

// Quote is the per-type pricing result before the processing fee is applied.
type Quote struct {
	Components  []pricing.Component
	Items       []pricing.Item
	Metadata    any
	Description string
}

// Payer identifies who is paying.
type Payer struct {
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
	Phone  string    `json:"phone,omitempty"`
}

// Calculation is the full output of a fee calculation.
type Calculation struct {
	ReferenceType ledger.ReferenceType `json:"referenceType"`
	ReferenceID   uuid.UUID            `json:"referenceId"`
	Breakdown     pricing.Breakdown    `json:"breakdown"`
	Items         []pricing.Item       `json:"items"`
	Payer         Payer                `json:"payer"`
	Metadata      json.RawMessage      `json:"metadata,omitempty"`
	Description   string               `json:"description"`
}

// Payable is the calculation and completion strategy of one reference type.
type Payable interface {
	Type() ledger.ReferenceType
	Quote(ctx context.Context, lk Lookup, req Request) (Quote, error)
	// Complete applies the primary domain mutation. It runs inside the same
	// atomic boundary as the COMPLETED status flip.
	Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error
	FollowUps() []FollowUp
	// Describe returns reference-specific detail for invoices.
	Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error)
}

// RuleError is a business-rule rejection raised while pricing a reference.
type RuleError struct {
	Message string
}

func (e *RuleError) Error() string { return e.Message }

// Reject builds a RuleError.
func Reject(format string, args ...any) error {
	return &RuleError{Message: fmt.Sprintf(format, args...)}
}

// IsRuleError reports whether err is a business-rule rejection.
func IsRuleError(err error) bool {
	var target *RuleError
	return errors.As(err, &target)
}

// notFound converts a missing reference into a rule rejection and passes other errors through.
func notFound(err error, what string) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return Reject("%s not found", what)
	}
	return err
}
