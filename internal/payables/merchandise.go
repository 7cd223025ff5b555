package payables

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/paycore/internal/ledger"
	"github.com/noah-isme/paycore/internal/pricing"
)

type merchandiseMetadata struct {
	Lines []CartLine `json:"lines"`
}

// Merchandise checks out the payer's standalone merchandise cart. The
// reference id is the payer's own user id.
type Merchandise struct {
	Logger zerolog.Logger
}

func (Merchandise) Type() ledger.ReferenceType { return ledger.RefMerchandise }

func (Merchandise) Quote(ctx context.Context, lk Lookup, req Request) (Quote, error) {
	if req.ReferenceID != req.UserID {
		return Quote{}, Reject("merchandise checkout must reference the paying user")
	}
	cart, err := lk.ListCart(ctx, req.UserID)
	if err != nil {
		return Quote{}, err
	}
	if len(cart) == 0 {
		return Quote{}, Reject("cart is empty")
	}
	var total pricing.Money
	items := make([]pricing.Item, 0, len(cart))
	for _, line := range cart {
		if !line.Active {
			return Quote{}, Reject("item %s is no longer available", line.Name)
		}
		if line.Quantity <= 0 {
			return Quote{}, Reject("item %s has an invalid quantity", line.Name)
		}
		if line.Stock < line.Quantity {
			return Quote{}, Reject("insufficient stock for %s", line.Name)
		}
		it := pricing.LineItem(line.Name, line.Quantity, line.UnitPrice)
		total += it.Amount
		items = append(items, it)
	}
	return Quote{
		Components:  []pricing.Component{{Key: keyMerchandise, Label: "Merchandise", Amount: total}},
		Items:       items,
		Metadata:    merchandiseMetadata{Lines: cart},
		Description: fmt.Sprintf("Merchandise order (%d items)", len(cart)),
	}, nil
}

// Complete works from the cart snapshot taken at initiation so later cart
// edits cannot change what was paid for.
func (p Merchandise) Complete(ctx context.Context, tx Mutator, txn ledger.Transaction) error {
	var meta merchandiseMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return err
	}
	for _, line := range meta.Lines {
		shortfall, err := tx.DecrementStock(ctx, line.ItemID, line.Quantity)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if shortfall > 0 {
			p.Logger.Warn().
				Str("item_id", line.ItemID.String()).
				Int("shortfall", shortfall).
				Str("transaction_id", txn.ID.String()).
				Msg("merchandise_oversold")
		}
	}
	if err := tx.CreateMerchandiseOrder(ctx, txn.UserID, txn.ID, meta.Lines); err != nil {
		return fmt.Errorf("create merchandise order: %w", err)
	}
	if err := tx.RemoveFromCart(ctx, txn.UserID, meta.Lines); err != nil {
		return fmt.Errorf("remove paid lines from cart: %w", err)
	}
	return nil
}

func (Merchandise) FollowUps() []FollowUp {
	return []FollowUp{FollowUpInvoice, FollowUpNotification}
}

func (Merchandise) Describe(_ context.Context, _ Lookup, txn ledger.Transaction) (map[string]any, error) {
	var meta merchandiseMetadata
	if err := decodeMetadata(txn, &meta); err != nil {
		return nil, err
	}
	return map[string]any{"lines": meta.Lines}, nil
}
