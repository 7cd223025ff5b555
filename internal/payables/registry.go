package payables

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

// Registry maps reference types to their payable strategies.
type Registry struct {
	Policy pricing.Policy
	// FeeExempt lists reference types that are not charged the processing fee.
	FeeExempt map[ledger.ReferenceType]bool

	payables map[ledger.ReferenceType]Payable
}

// NewRegistry registers every built-in reference type.
func NewRegistry(policy pricing.Policy, logger zerolog.Logger) *Registry {
	r := &Registry{
		Policy:    policy,
		FeeExempt: map[ledger.ReferenceType]bool{ledger.RefMembership: true},
		payables:  make(map[ledger.ReferenceType]Payable),
	}
	r.Register(EventRegistration{Logger: logger})
	r.Register(EventPayment{})
	r.Register(EventMerchandise{Logger: logger})
	r.Register(Merchandise{Logger: logger})
	r.Register(Membership{})
	r.Register(DonationPayable{})
	r.Register(SubscriptionRenewal{Logger: logger})
	r.Register(SubscriptionUpgrade{Logger: logger})
	r.Register(SubscriptionNew{})
	return r
}

// Register adds or replaces the strategy for p.Type().
func (r *Registry) Register(p Payable) {
	if r.payables == nil {
		r.payables = make(map[ledger.ReferenceType]Payable)
	}
	r.payables[p.Type()] = p
}

// Get returns the strategy for rt.
func (r *Registry) Get(rt ledger.ReferenceType) (Payable, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.payables[rt]
	return p, ok
}

// Calculate prices a reference. It only reads through lk.
func (r *Registry) Calculate(ctx context.Context, lk Lookup, req Request) (Calculation, error) {
	p, ok := r.Get(req.Type)
	if !ok {
		return Calculation{}, Reject("unsupported reference type %q", req.Type)
	}
	user, err := lk.GetUser(ctx, req.UserID)
	if err != nil {
		return Calculation{}, notFound(err, "user")
	}
	quote, err := p.Quote(ctx, lk, req)
	if err != nil {
		return Calculation{}, err
	}
	breakdown := pricing.Compute(quote.Components, r.Policy, !r.FeeExempt[req.Type])
	if breakdown.Total <= 0 {
		return Calculation{}, Reject("amount must be greater than zero")
	}
	var metadata json.RawMessage
	if quote.Metadata != nil {
		metadata, err = json.Marshal(quote.Metadata)
		if err != nil {
			return Calculation{}, fmt.Errorf("payables: encode metadata: %w", err)
		}
	}
	items := quote.Items
	if items == nil {
		items = []pricing.Item{}
	}
	return Calculation{
		ReferenceType: req.Type,
		ReferenceID:   req.ReferenceID,
		Breakdown:     breakdown,
		Items:         items,
		Payer: Payer{
			UserID: user.ID,
			Name:   user.Name,
			Email:  user.Email,
			Phone:  user.Phone,
		},
		Metadata:    metadata,
		Description: quote.Description,
	}, nil
}

// FollowUps returns the secondary effects declared for rt.
func (r *Registry) FollowUps(rt ledger.ReferenceType) []FollowUp {
	p, ok := r.Get(rt)
	if !ok {
		return nil
	}
	return p.FollowUps()
}

func decodeMetadata(txn ledger.Transaction, out any) error {
	if len(txn.Metadata) == 0 {
		return fmt.Errorf("payables: transaction %s has no metadata", txn.ID)
	}
	if err := json.Unmarshal(txn.Metadata, out); err != nil {
		return fmt.Errorf("payables: decode metadata: %w", err)
	}
	return nil
}
