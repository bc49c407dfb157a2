package trust

import "github.com/shopspring/decimal"

// DefaultEpsilon is the currency-precision tolerance used for allocation-sum
// and reconciliation matching when no override is configured.
var DefaultEpsilon = decimal.NewFromFloat(0.01)

// withinEpsilon reports whether a and b differ by at most eps.
func withinEpsilon(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(eps)
}

// normalizeEpsilon falls back to the default tolerance for zero or negative
// values so a misconfigured epsilon can never demand exact float equality.
func normalizeEpsilon(eps decimal.Decimal) decimal.Decimal {
	if eps.LessThanOrEqual(decimal.Zero) {
		return DefaultEpsilon
	}
	return eps
}
