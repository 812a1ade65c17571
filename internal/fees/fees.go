// Package fees computes the platform commission split for captured payments.
// All amounts are integer minor-currency units (cents); the fee rate is a
// decimal fraction. No float64 ever touches this path.
package fees

import (
	"github.com/shopspring/decimal"
)

// Rate bounds enforced at configuration load time. Compute itself does not
// re-validate; an out-of-range rate is a configuration error, not a runtime
// concern of the calculator.
var (
	MinRate = decimal.Zero
	MaxRate = decimal.NewFromFloat(0.20)
)

// ValidRate reports whether rate lies in the allowed [0, 0.20] window.
func ValidRate(rate decimal.Decimal) bool {
	return rate.GreaterThanOrEqual(MinRate) && rate.LessThanOrEqual(MaxRate)
}

// Compute splits a gross amount into platform fee and net provider payout.
// The fee is floored, never rounded up, so the platform cannot silently
// overcharge and fee + payout always equals gross exactly.
func Compute(gross int64, rate decimal.Decimal) (fee int64, payout int64) {
	fee = decimal.NewFromInt(gross).Mul(rate).Floor().IntPart()
	payout = gross - fee
	return fee, payout
}

// Billable returns the amount owed for additionally logged hours at the
// hourly rate that was in effect when the hours were recorded. The rate is
// in cents per hour and must be the snapshot taken at entry creation, never
// a provider's current rate.
func Billable(hours int64, hourlyRateAtEntry int64) int64 {
	return hours * hourlyRateAtEntry
}
