// Package money holds the arithmetic used for anything that reaches an
// invoice total. Quantities are decimals end to end; cents are int64.
package money

import (
	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(10000)

// RoundCents rounds a decimal amount to whole cents, half away from zero.
func RoundCents(amount decimal.Decimal) int64 {
	return amount.Round(0).IntPart()
}

// Cost prices a decimal quantity at a per-unit cent amount, rounded half up.
// The multiplication stays decimal so per-event rounding error cannot
// accumulate across many small usage events.
func Cost(quantity decimal.Decimal, unitAmountCents int64) int64 {
	return RoundCents(quantity.Mul(decimal.NewFromInt(unitAmountCents)))
}

// TaxFromBps computes tax cents from a basis-point rate, rounded half up.
// 750 bps on 13000 cents yields 975.
func TaxFromBps(subtotalCents int64, rateBps int64) int64 {
	tax := decimal.NewFromInt(subtotalCents).
		Mul(decimal.NewFromInt(rateBps)).
		Div(bpsDenominator)
	return RoundCents(tax)
}

// Sum adds decimal quantities without floating point drift.
func Sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
