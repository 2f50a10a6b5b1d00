package journal

import (
	"github.com/shopspring/decimal"
)

// realizedPnL computes the realized P&L for closing closedQty units of
// a position. The comparison order flips for short (credit) positions:
// a price decrease from entry is a gain when short, a loss when long.
//
//	short: (entry - exit) * closedQty * multiplier
//	long:  (exit - entry) * closedQty * multiplier
//
// signedQty carries the position's direction; closedQty is the
// unsigned number of units leaving the position.
func realizedPnL(entry, exit, signedQty, closedQty, multiplier decimal.Decimal) decimal.Decimal {
	perUnit := exit.Sub(entry)
	if signedQty.IsNegative() {
		perUnit = entry.Sub(exit)
	}
	return perUnit.Mul(closedQty.Abs()).Mul(multiplier)
}

// maxProfitPercent returns how much of the position's maximum credit
// was captured, as a percentage. For a short position entered at 1.90
// and exited at 0.95 this is 50. Zero entry prices yield zero.
func maxProfitPercent(entry, exit, signedQty decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}

	captured := exit.Sub(entry)
	if signedQty.IsNegative() {
		captured = entry.Sub(exit)
	}

	pct, _ := captured.Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
