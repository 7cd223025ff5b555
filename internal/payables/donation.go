package payables

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

// DonationPayable is a standalone donation towards an event.
type DonationPayable struct{}

func (DonationPayable) Type() ledger.ReferenceType { return ledger.RefDonation }

func (DonationPayable) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	ev, err := lk.GetEvent(ctx, req.ReferenceID)
	if err != nil {
		return Quote{}, notFound(err, "event")
	}
	if !ev.AcceptsDonations {
		return Quote{}, Reject("event does not accept donations")
	}
	amount := req.Context.Amount
	if amount <= 0 {
		amount = req.Context.DonationAmount
	}
	if amount <= 0 {
		return Quote{}, Reject("donation amount must be greater than zero")
	}
	return Quote{
		Components:  []pricing.Component{{Key: keyDonation, Label: "Donation", Amount: amount}},
		Items:       []pricing.Item{pricing.LineItem(fmt.Sprintf("Donation - %s", ev.Title), 1, amount)},
		Description: fmt.Sprintf("Donation for %s", ev.Title),
	}, nil
}

func (DonationPayable) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	amount := txn.Breakdown.Component(keyDonation)
	if amount <= 0 {
		amount = txn.Breakdown.Subtotal
	}
	if err := tx.RecordDonation(ctx, Donation{
		ID:            uuid.New(),
		EventID:       txn.ReferenceID,
		UserID:        txn.UserID,
		TransactionID: txn.ID,
		Amount:        amount,
	}); err != nil {
		return fmt.Errorf("record donation: %w", err)
	}
	return nil
}

func (DonationPayable) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (DonationPayable) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	return describeEvent(ctx, lk, txn.ReferenceID, nil)
}
