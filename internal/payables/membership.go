package payables

import (
	"context"
	"fmt"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

// Membership pays the payer's annual membership fee. The fee depends on the
// payer's batch and is exempt from the processing fee.
type Membership struct{}

func (Membership) Type() ledger.ReferenceType { return ledger.RefMembership }

func (Membership) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	if req.ReferenceID != req.UserID {
		return Quote{}, Reject("membership payment must reference the paying user")
	}
	fee, err := lk.MembershipFee(ctx, req.UserID)
	if err != nil {
		return Quote{}, notFound(err, "membership fee")
	}
	if fee <= 0 {
		return Quote{}, Reject("no membership fee is configured for this user")
	}
	return Quote{
		Components:  []pricing.Component{{Key: "membershipFee", Label: "Membership fee", Amount: fee}},
		Items:       []pricing.Item{pricing.LineItem("Annual membership", 1, fee)},
		Description: "Annual membership",
	}, nil
}

func (Membership) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	if err := tx.ActivateMembership(ctx, txn.UserID, txn.ID, completedAt(txn).AddDate(1, 0, 0)); err != nil {
		return fmt.Errorf("activate membership: %w", err)
	}
	return nil
}

func (Membership) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (Membership) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	user, err := lk.GetUser(ctx, txn.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"batch": user.Batch}, nil
}
