package payment_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
)

func TestBoundsValidate(t *testing.T) {
	b := payment.Bounds{Min: 1_000, Max: 100_000}
	require.Error(t, b.Validate(0))
	require.Error(t, b.Validate(999))
	require.Error(t, b.Validate(100_001))
	require.NoError(t, b.Validate(1_000))
	require.NoError(t, payment.Bounds{}.Validate(1))
}

func TestMinorMajorConversion(t *testing.T) {
	require.True(t, payment.ToMajor(25_500, "IDR").Equal(decimal.NewFromInt(25_500)))
	require.True(t, payment.ToMajor(1_050, "USD").Equal(decimal.RequireFromString("10.5")))
	require.EqualValues(t, 1_050, payment.ToMinor(decimal.RequireFromString("10.495"), "USD"))

	amount, err := payment.ParseMajor("25500.00", "IDR")
	require.NoError(t, err)
	require.EqualValues(t, 25_500, amount)

	_, err = payment.ParseMajor("abc", "IDR")
	require.Error(t, err)
}

func TestProcessingFeeRoundsToCurrencyMinorUnit(t *testing.T) {
	policy := pricing.Policy{Rate: decimal.RequireFromString("0.02"), Minimum: 1}

	// USD 12.34 * 2% = 0.2468, charged as 0.25
	fee := policy.ProcessingFee(1_234)
	require.EqualValues(t, 25, fee)
	require.Equal(t, "0.25", payment.ToMajor(fee, "USD").StringFixed(2))
	require.Equal(t, "USD 0.25", payment.FormatAmount(fee, "USD"))

	// IDR 12,345 * 2% = 246.9, charged as whole rupiah
	fee = policy.ProcessingFee(12_345)
	require.EqualValues(t, 247, fee)
	require.True(t, payment.ToMajor(fee, "IDR").Equal(decimal.NewFromInt(247)))
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "IDR 1,025,500", payment.FormatAmount(1_025_500, "IDR"))
	require.Equal(t, "USD 12.30", payment.FormatAmount(1_230, "usd"))
	require.Equal(t, "IDR 500", payment.FormatAmount(500, "IDR"))
}

func TestNumberFormats(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	require.Regexp(t, regexp.MustCompile(`^PT-20260309-[A-Z2-9]{6}$`), payment.NewTransactionNumber(now))
	require.Regexp(t, regexp.MustCompile(`^INV-20260309-[A-Z2-9]{6}$`), payment.NewInvoiceNumber(now))
	require.NotEqual(t, payment.NewTransactionNumber(now), payment.NewTransactionNumber(now))
}
