package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/paycore/internal/pricing"
)

// Bounds is the accepted order amount range in minor units. Zero disables a side.
type Bounds struct {
	Min pricing.Money
	Max pricing.Money
}

// Validate checks amount against the bounds.
func (b Bounds) Validate(amount pricing.Money) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	if b.Min > 0 && amount < b.Min {
		return fmt.Errorf("amount %d is below the minimum of %d", amount, b.Min)
	}
	if b.Max > 0 && amount > b.Max {
		return fmt.Errorf("amount %d exceeds the maximum of %d", amount, b.Max)
	}
	return nil
}

// exponents lists minor-unit exponents that differ from 2. IDR is settled in
// whole rupiah by the supported gateways.
var exponents = map[string]int32{
	"IDR": 0,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
}

// Exponent returns the number of minor-unit digits for currency.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}

// ToMajor converts minor units into the gateway's major unit.
func ToMajor(amount pricing.Money, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// ToMinor converts a major-unit amount into minor units, rounding half-up.
func ToMinor(amount decimal.Decimal, currency string) pricing.Money {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}

// ParseMajor parses a gateway amount string such as "10000.00".
func ParseMajor(value, currency string) (pricing.Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("payment: parse amount %q: %w", value, err)
	}
	return ToMinor(d, currency), nil
}

// FormatAmount renders amount with the currency code, e.g. "IDR 25,500".
func FormatAmount(amount pricing.Money, currency string) string {
	exp := Exponent(currency)
	major := ToMajor(amount, currency).StringFixed(exp)
	sign := ""
	if strings.HasPrefix(major, "-") {
		sign = "-"
		major = major[1:]
	}
	whole, frac, _ := strings.Cut(major, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := sign + b.String()
	if frac != "" {
		out += "." + frac
	}
	return strings.ToUpper(currency) + " " + out
}

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewTransactionNumber returns a human readable transaction number PT-YYYYMMDD-XXXXXX.
func NewTransactionNumber(now time.Time) string {
	return "PT-" + now.UTC().Format("20060102") + "-" + randomSuffix(6)
}

// NewInvoiceNumber returns an invoice number INV-YYYYMMDD-XXXXXX.
func NewInvoiceNumber(now time.Time) string {
	return "INV-" + now.UTC().Format("20060102") + "-" + randomSuffix(6)
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(numberAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("payment: crypto/rand failed: %v", err))
		}
		buf[i] = numberAlphabet[idx.Int64()]
	}
	return string(buf)
}
