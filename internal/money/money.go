// Package money converts between integer cents and decimal amounts.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	VarianceNormal   = "normal"
	VarianceWarning  = "warning"
	VarianceCritical = "critical"
)

var (
	hundred           = decimal.NewFromInt(100)
	warningThreshold  = decimal.NewFromInt(1)
	criticalThreshold = decimal.NewFromInt(5)
)

// Format renders cents as a fixed two-decimal amount, e.g. 62000 -> "620.00".
func Format(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// Parse reads an amount such as "75.50" into cents. More than two decimal
// places is an error rather than a rounding.
func Parse(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	cents := amount.Mul(hundred)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than two decimal places", raw)
	}
	return cents.IntPart(), nil
}

// VariancePercent is variance relative to the expected amount, rounded to
// two places. An expected amount of zero yields zero.
func VariancePercent(varianceCents int64, expectedCents int64) decimal.Decimal {
	if expectedCents == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(varianceCents).
		Div(decimal.NewFromInt(expectedCents)).
		Mul(hundred).
		Round(2)
}

// ClassifyVariance buckets a till variance: within 1% is normal, within 5%
// a warning, anything larger critical. A non-zero variance against a zero
// expectation is critical.
func ClassifyVariance(varianceCents int64, expectedCents int64) string {
	if varianceCents == 0 {
		return VarianceNormal
	}
	if expectedCents == 0 {
		return VarianceCritical
	}
	pct := VariancePercent(varianceCents, expectedCents).Abs()
	switch {
	case pct.LessThanOrEqual(warningThreshold):
		return VarianceNormal
	case pct.LessThanOrEqual(criticalThreshold):
		return VarianceWarning
	default:
		return VarianceCritical
	}
}
