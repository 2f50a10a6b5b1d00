package journal

import (
	"time"

	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
)

// CloseReason is the enumerated classification of why a trade closed.
// Ambiguous cases resolve to CloseReasonUnknown rather than guessing.
type CloseReason string

const (
	CloseReasonExpired    CloseReason = "expired"
	CloseReasonProfitRule CloseReason = "profit_rule"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonManual     CloseReason = "manual"
	CloseReasonUnknown    CloseReason = "unknown"
)

// classifyClose infers why a trade closed. The rules are heuristics
// over observable state, applied in priority order:
//
//  1. expired: the close landed within the expiry grace window.
//  2. profit_rule: captured profit reached the profit-rule threshold.
//  3. stop_loss: the loss reached the stop multiple of entry credit.
//  4. manual: anything else with a usable exit price.
//  5. unknown: no exit price to reason from.
func (j *Journal) classifyClose(trade *database.Trade, exitPrice decimal.Decimal, closedAt time.Time, maxProfitPct float64, totalPnL, multiplier decimal.Decimal) CloseReason {
	if trade.Expiration != nil {
		grace := time.Duration(j.cfg.ExpiryGraceDays) * 24 * time.Hour
		if !closedAt.Before(trade.Expiration.Add(-grace)) {
			return CloseReasonExpired
		}
	}

	if maxProfitPct >= j.cfg.ProfitRulePct {
		return CloseReasonProfitRule
	}

	if totalPnL.IsNegative() && !trade.EntryPrice.IsZero() {
		entryValue := trade.EntryPrice.Mul(trade.Quantity.Abs())
		if !entryValue.IsZero() {
			multiple := decimal.NewFromFloat(j.cfg.StopLossMultiple)
			// Entry value is per-unit credit times units; scale by the
			// contract multiplier to compare against dollar P&L.
			threshold := entryValue.Mul(multiplier).Mul(multiple)
			if totalPnL.Abs().GreaterThanOrEqual(threshold) {
				return CloseReasonStopLoss
			}
		}
	}

	if exitPrice.IsZero() && trade.Expiration == nil {
		return CloseReasonUnknown
	}

	return CloseReasonManual
}
