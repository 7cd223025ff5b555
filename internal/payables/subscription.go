package payables

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

const keySubscription = "subscription"

type subscriptionMetadata struct {
	PaymentRequestID uuid.UUID    `json:"paymentRequestId,omitempty"`
	SubscriptionID   uuid.UUID    `json:"subscriptionId,omitempty"`
	PlanID           uuid.UUID    `json:"planId"`
	BillingCycle     BillingCycle `json:"billingCycle"`
}

// SubscriptionRenewal pays an approved renewal request.
type SubscriptionRenewal struct {
	Logger zerolog.Logger
}

func (SubscriptionRenewal) Type() ledger.ReferenceType { return ledger.RefSubscriptionRenewal }

func (SubscriptionRenewal) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	return quotePaymentRequest(ctx, lk, req, RequestRenewal)
}

func (p SubscriptionRenewal) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta subscriptionMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	if ok, err := consumeRequest(ctx, tx, txn, meta, p.Logger); !ok || err != nil {
		return err
	}
	sub, err := tx.GetSubscription(ctx, meta.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	start := sub.CurrentPeriodEnd
	if now := completedAt(txn); now.After(start) {
		start = now
	}
	cycle := meta.BillingCycle
	if !cycle.Valid() {
		cycle = sub.BillingCycle
	}
	sub.BillingCycle = cycle
	sub.CurrentPeriodEnd = cycle.Advance(start)
	sub.Status = "ACTIVE"
	txnID := txn.ID
	sub.TransactionID = &txnID
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	return nil
}

func (SubscriptionRenewal) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (SubscriptionRenewal) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	return describeSubscription(ctx, lk, txn)
}

// SubscriptionUpgrade pays an approved plan change request.
type SubscriptionUpgrade struct {
	Logger zerolog.Logger
}

func (SubscriptionUpgrade) Type() ledger.ReferenceType { return ledger.RefSubscriptionUpgrade }

func (SubscriptionUpgrade) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	return quotePaymentRequest(ctx, lk, req, RequestUpgrade)
}

func (p SubscriptionUpgrade) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta subscriptionMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	if ok, err := consumeRequest(ctx, tx, txn, meta, p.Logger); !ok || err != nil {
		return err
	}
	sub, err := tx.GetSubscription(ctx, meta.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	cycle := meta.BillingCycle
	if !cycle.Valid() {
		cycle = sub.BillingCycle
	}
	sub.PlanID = meta.PlanID
	sub.BillingCycle = cycle
	sub.CurrentPeriodEnd = cycle.Advance(completedAt(txn))
	sub.Status = "ACTIVE"
	txnID := txn.ID
	sub.TransactionID = &txnID
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upgrade subscription: %w", err)
	}
	return nil
}

func (SubscriptionUpgrade) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (SubscriptionUpgrade) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	return describeSubscription(ctx, lk, txn)
}

// SubscriptionNew starts a subscription on an active plan.
type SubscriptionNew struct{}

func (SubscriptionNew) Type() ledger.ReferenceType { return ledger.RefSubscriptionNew }

func (SubscriptionNew) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	plan, err := lk.GetPlan(ctx, req.ReferenceID)
	if err != nil {
		return Quote{}, notFound(err, "plan")
	}
	if !plan.Active {
		return Quote{}, Reject("plan is not available")
	}
	cycle := req.Context.BillingCycle
	if cycle == "" {
		cycle = CycleMonthly
	}
	if !cycle.Valid() {
		return Quote{}, Reject("unsupported billing cycle %q", cycle)
	}
	price, ok := plan.Price(cycle)
	if !ok {
		return Quote{}, Reject("plan has no %s price", cycle)
	}
	label := fmt.Sprintf("%s (%s)", plan.Name, cycle)
	return Quote{
		Components:  []pricing.Component{{Key: keySubscription, Label: label, Amount: price}},
		Items:       []pricing.Item{pricing.LineItem(label, 1, price)},
		Description: fmt.Sprintf("Subscription to %s", plan.Name),
		Metadata:    subscriptionMetadata{PlanID: plan.ID, BillingCycle: cycle},
	}, nil
}

func (SubscriptionNew) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta subscriptionMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	txnID := txn.ID
	_, err := tx.CreateSubscription(ctx, Subscription{
		ID:               uuid.New(),
		UserID:           txn.UserID,
		PlanID:           meta.PlanID,
		BillingCycle:     meta.BillingCycle,
		Status:           "ACTIVE",
		CurrentPeriodEnd: meta.BillingCycle.Advance(completedAt(txn)),
		TransactionID:    &txnID,
	})
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (SubscriptionNew) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (SubscriptionNew) Describe(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	return describeSubscription(ctx, lk, txn)
}

func quotePaymentRequest(ctx context.Context, lk Lookup, req Request, kind string) (Quote, error) {
	pr, err := lk.GetPaymentRequest(ctx, req.ReferenceID)
	if err != nil {
		return Quote{}, notFound(err, "payment request")
	}
	if pr.UserID != req.UserID {
		return Quote{}, Reject("payment request does not belong to the user")
	}
	if pr.Kind != kind {
		return Quote{}, Reject("payment request is not a %s request", kind)
	}
	if pr.Status != RequestApproved {
		return Quote{}, Reject("payment request is not approved")
	}
	if pr.Amount <= 0 {
		return Quote{}, Reject("payment request has no amount")
	}
	plan, err := lk.GetPlan(ctx, pr.PlanID)
	if err != nil {
		return Quote{}, notFound(err, "plan")
	}
	label := fmt.Sprintf("%s (%s)", plan.Name, pr.BillingCycle)
	return Quote{
		Components:  []pricing.Component{{Key: keySubscription, Label: label, Amount: pr.Amount}},
		Items:       []pricing.Item{pricing.LineItem(label, 1, pr.Amount)},
		Description: fmt.Sprintf("Subscription %s - %s", kindLabel(kind), plan.Name),
		Metadata: subscriptionMetadata{
			PaymentRequestID: pr.ID,
			SubscriptionID:   pr.SubscriptionID,
			PlanID:           pr.PlanID,
			BillingCycle:     pr.BillingCycle,
		},
	}, nil
}

// consumeRequest marks the payment request PAID inside the completion
// boundary. A request that another transaction already consumed is not
// applied again; the payment still completes and is flagged for refund.
func consumeRequest(ctx context.Context, tx Mutator, txn ledger.Transaction, meta subscriptionMetadata, logger zerolog.Logger) (bool, error) {
	ok, err := tx.ConsumePaymentRequest(ctx, meta.PaymentRequestID, txn.ID)
	if err != nil {
		return false, fmt.Errorf("consume payment request: %w", err)
	}
	if !ok {
		logger.Warn().
			Str("payment_request_id", meta.PaymentRequestID.String()).
			Str("transaction_id", txn.ID.String()).
			Msg("payment_request_already_consumed")
	}
	return ok, nil
}

func kindLabel(kind string) string {
	if kind == RequestUpgrade {
		return "upgrade"
	}
	return "renewal"
}

func describeSubscription(ctx context.Context, lk Lookup, txn ledger.Transaction) (map[string]any, error) {
	var meta subscriptionMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return nil, err
	}
	detail := map[string]any{"billingCycle": meta.BillingCycle, "planId": meta.PlanID}
	plan, err := lk.GetPlan(ctx, meta.PlanID)
	if err == nil {
		detail["planName"] = plan.Name
	}
	return detail, nil
}

func completedAt(txn ledger.Transaction) time.Time {
	if txn.CompletedAt != nil {
		return *txn.CompletedAt
	}
	if !txn.UpdatedAt.IsZero() {
		return txn.UpdatedAt
	}
	return time.Now().UTC()
}
