package validation

import "github.com/shopspring/decimal"

// toFloat and fromFloat cross the decimal/float64 boundary for the
// statistical aggregation this package does (averaging metrics across
// windows, computing percentiles across simulations) — the same boundary
// internal/backtester's MetricsCalculator crosses for Sharpe/Sortino/CAGR.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func fromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
