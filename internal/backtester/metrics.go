// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"

	"github.com/shopspring/decimal"
)

// DaysPerYear is the calendar-day year used to annualise returns.
const DaysPerYear = 365.25

var hundred = decimal.NewFromInt(100)

// CalculateTotalReturn returns final/initial - 1 and the same value in
// percent. Both are zero when initialCash is not positive.
func CalculateTotalReturn(initialCash, finalCash decimal.Decimal) (ret, pct decimal.Decimal) {
	if !initialCash.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	ret = finalCash.Div(initialCash).Sub(decimal.NewFromInt(1))
	return ret, ret.Mul(hundred)
}

// CalculateCAGR annualises the growth from initialCash to finalCash over a
// span of calendar days: (final/initial)^(365.25/days) - 1.
//
// The result is invalid (null) when days <= 0 or either cash figure is not
// positive.
func CalculateCAGR(initialCash, finalCash decimal.Decimal, days int) decimal.NullDecimal {
	if days <= 0 || !initialCash.IsPositive() || !finalCash.IsPositive() {
		return decimal.NullDecimal{}
	}

	years := float64(days) / DaysPerYear
	growth := finalCash.Div(initialCash).InexactFloat64()
	cagr := math.Pow(growth, 1/years) - 1
	if math.IsNaN(cagr) || math.IsInf(cagr, 0) {
		return decimal.NullDecimal{}
	}

	return decimal.NewNullDecimal(decimal.NewFromFloat(cagr))
}
