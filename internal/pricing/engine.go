package pricing

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// Component is a named fee category inside a breakdown (registration fee, guest fee, ...).
type Component struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Amount Money  `json:"amount"`
}

// Item describes a single invoiceable line.
type Item struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Money  `json:"unitPrice"`
	Amount      Money  `json:"amount"`
}

// Breakdown is the itemized amount structure attached to a transaction at initiation.
type Breakdown struct {
	Subtotal      Money       `json:"subtotal"`
	Components    []Component `json:"components"`
	ProcessingFee Money       `json:"processingFee"`
	Total         Money       `json:"total"`
}

// Component returns the amount booked under key, or zero.
func (b Breakdown) Component(key string) Money {
	for _, c := range b.Components {
		if c.Key == key {
			return c.Amount
		}
	}
	return 0
}

// Policy describes how the processing fee is charged on top of a subtotal.
type Policy struct {
	Rate    decimal.Decimal
	Minimum Money
}

// DefaultPolicy charges 2% with a minimum of 500 minor units.
func DefaultPolicy() Policy {
	return Policy{Rate: decimal.RequireFromString("0.02"), Minimum: 500}
}

// ProcessingFee returns max(rate × subtotal, minimum) rounded half-up to the minor unit.
// Money is already in minor units, so a 2-exponent currency rounds to cents
// and IDR to whole rupiah. Non-positive subtotals carry no fee.
func (p Policy) ProcessingFee(subtotal Money) Money {
	if subtotal <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(subtotal).Mul(p.Rate).Round(0).IntPart()
	if fee < p.Minimum {
		fee = p.Minimum
	}
	return fee
}

// Compute sums components and applies the processing fee when chargeFee is set.
// Zero-amount components are dropped from the result.
func Compute(components []Component, policy Policy, chargeFee bool) Breakdown {
	kept := make([]Component, 0, len(components))
	var subtotal Money
	for _, c := range components {
		if c.Amount == 0 {
			continue
		}
		subtotal += c.Amount
		kept = append(kept, c)
	}
	var fee Money
	if chargeFee {
		fee = policy.ProcessingFee(subtotal)
	}
	return Breakdown{
		Subtotal:      subtotal,
		Components:    kept,
		ProcessingFee: fee,
		Total:         subtotal + fee,
	}
}

// LineItem builds an Item from quantity and unit price.
func LineItem(description string, qty int, unitPrice Money) Item {
	if qty <= 0 {
		qty = 1
	}
	return Item{
		Description: description,
		Quantity:    qty,
		UnitPrice:   unitPrice,
		Amount:      Money(qty) * unitPrice,
	}
}

// SumItems totals item amounts.
func SumItems(items []Item) Money {
	var total Money
	for _, it := range items {
		total += it.Amount
	}
	return total
}
