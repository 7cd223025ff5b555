package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/pricing"
)

func TestProcessingFeeUsesMinimumForSmallSubtotals(t *testing.T) {
	p := pricing.DefaultPolicy()
	require.Equal(t, pricing.Money(500), p.ProcessingFee(1_000))
	require.Equal(t, pricing.Money(500), p.ProcessingFee(25_000))
	require.Equal(t, pricing.Money(0), p.ProcessingFee(0))
}

func TestProcessingFeeRoundsHalfUp(t *testing.T) {
	p := pricing.Policy{Rate: decimal.RequireFromString("0.02"), Minimum: 1}
	// 0.02 * 25_025 = 500.5
	require.Equal(t, pricing.Money(501), p.ProcessingFee(25_025))
	// 0.02 * 25_024 = 500.48
	require.Equal(t, pricing.Money(500), p.ProcessingFee(25_024))
}

func TestComputeTotalsEqualSubtotalPlusFee(t *testing.T) {
	p := pricing.DefaultPolicy()
	for _, subtotal := range []pricing.Money{1, 99, 24_999, 25_000, 100_000, 1_234_567} {
		b := pricing.Compute([]pricing.Component{{Key: "a", Amount: subtotal}}, p, true)
		expectedFee := decimal.NewFromInt(subtotal).Mul(p.Rate).Round(0).IntPart()
		if expectedFee < p.Minimum {
			expectedFee = p.Minimum
		}
		require.Equal(t, subtotal, b.Subtotal)
		require.Equal(t, expectedFee, b.ProcessingFee)
		require.Equal(t, b.Subtotal+b.ProcessingFee, b.Total)
	}
}

func TestComputeWithoutFee(t *testing.T) {
	b := pricing.Compute([]pricing.Component{
		{Key: "membershipFee", Label: "Membership fee", Amount: 500},
		{Key: "empty", Amount: 0},
	}, pricing.DefaultPolicy(), false)
	require.Equal(t, pricing.Money(500), b.Component("membershipFee"))
	require.Equal(t, pricing.Money(500), b.Total)
	require.Zero(t, b.ProcessingFee)
	require.Len(t, b.Components, 1)
}

func TestLineItem(t *testing.T) {
	it := pricing.LineItem("T-shirt", 3, 1_500)
	require.Equal(t, pricing.Money(4_500), it.Amount)
	require.Equal(t, pricing.Money(4_500), pricing.SumItems([]pricing.Item{it}))
}
