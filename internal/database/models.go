package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation status constants
const (
	RecommendationStatusRecommended = "recommended"
	RecommendationStatusExecuted    = "executed"
	RecommendationStatusIgnored     = "ignored"
	RecommendationStatusExpired     = "expired"
)

// Trade status constants
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Reconciliation gap kinds
const (
	GapKindUnknownExit   = "unknown_exit"   // exit event with no open trade
	GapKindUnknownChange = "unknown_change" // quantity change with no open trade
	GapKindAlreadyClosed = "already_closed" // exit event for a trade already closed
)

// Recommendation is a proposed trade emitted by the scanner.
type Recommendation struct {
	ID                  int64            `json:"id"`
	Account             string           `json:"account"`
	Symbol              string           `json:"symbol"`
	Strategy            string           `json:"strategy"`
	Expiration          *time.Time       `json:"expiration,omitempty"`
	DTE                 *int             `json:"dte,omitempty"`
	ShortStrike         *decimal.Decimal `json:"short_strike,omitempty"`
	LongStrike          *decimal.Decimal `json:"long_strike,omitempty"`
	ExpectedCredit      *decimal.Decimal `json:"expected_credit,omitempty"`
	RecommendedQuantity *decimal.Decimal `json:"recommended_quantity,omitempty"`
	IVRank              *float64         `json:"iv_rank,omitempty"`
	Reason              string           `json:"reason"`
	Status              string           `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
}

// Trade is the journal's record of an actual position lifecycle.
// Exit fields are all null while the trade is open and all set once it
// closes. PartialRealizedPnL accumulates proportional slices recorded
// by partial closes and rolls into RealizedPnL at close time.
type Trade struct {
	ID                 int64            `json:"id"`
	RecommendationID   *int64           `json:"recommendation_id,omitempty"`
	Account            string           `json:"account"`
	IdentityKey        string           `json:"identity_key"`
	Symbol             string           `json:"symbol"`
	Strategy           string           `json:"strategy,omitempty"`
	Expiration         *time.Time       `json:"expiration,omitempty"`
	EntryDate          time.Time        `json:"entry_date"`
	EntryPrice         decimal.Decimal  `json:"entry_price"`
	Quantity           decimal.Decimal  `json:"quantity"` // signed; reduced in place by partial closes
	IVRankAtEntry      *float64         `json:"iv_rank_at_entry,omitempty"`
	PartialRealizedPnL decimal.Decimal  `json:"partial_realized_pnl"`
	ExitDate           *time.Time       `json:"exit_date,omitempty"`
	ExitPrice          *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnL        *decimal.Decimal `json:"realized_pnl,omitempty"`
	DaysHeld           *int             `json:"days_held,omitempty"`
	MaxProfitPct       *float64         `json:"max_profit_pct,omitempty"`
	CloseReason        *string          `json:"close_reason,omitempty"`
	Synthetic          bool             `json:"synthetic"`
	Notes              string           `json:"notes,omitempty"`
	Status             string           `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsOpen reports whether the trade is still open.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeStatusOpen
}

// Insight is an immutable derived observation, attached to a trade when
// created at close time, or account-scoped when created by the learning
// analyzer.
type Insight struct {
	ID          int64     `json:"id"`
	Account     string    `json:"account"`
	TradeID     *int64    `json:"trade_id,omitempty"`
	InsightType string    `json:"insight_type"`
	Description string    `json:"description"`
	Data        []byte    `json:"data,omitempty"` // JSON payload
	Applied     bool      `json:"applied"`
	CreatedAt   time.Time `json:"created_at"`
}

// PerformanceMetric is the rolling aggregate recomputed after every
// trade closes.
type PerformanceMetric struct {
	ID                 int64           `json:"id"`
	Account            string          `json:"account"`
	TotalTrades        int             `json:"total_trades"`
	WinningTrades      int             `json:"winning_trades"`
	LosingTrades       int             `json:"losing_trades"`
	WinRate            float64         `json:"win_rate"` // 0..1
	AvgWinner          decimal.Decimal `json:"avg_winner"`
	AvgLoser           decimal.Decimal `json:"avg_loser"`
	ProfitFactor       float64         `json:"profit_factor"`
	TotalPnL           decimal.Decimal `json:"total_pnl"`
	AvgDaysHeldWinners *float64        `json:"avg_days_held_winners,omitempty"`
	AvgDaysHeldLosers  *float64        `json:"avg_days_held_losers,omitempty"`
	AvgIVRankWinners   *float64        `json:"avg_iv_rank_winners,omitempty"`
	AvgIVRankLosers    *float64        `json:"avg_iv_rank_losers,omitempty"`
	CalculatedAt       time.Time       `json:"calculated_at"`
}

// ParameterRevision is one append-only entry of scanner parameter drift.
type ParameterRevision struct {
	ID            int64     `json:"id"`
	Account       string    `json:"account"`
	Parameter     string    `json:"parameter"`
	OldValue      float64   `json:"old_value"`
	NewValue      float64   `json:"new_value"`
	Justification string    `json:"justification"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconciliationGap records an event that referenced an unknown or
// inconsistent trade state, surfaced for manual review.
type ReconciliationGap struct {
	ID          int64     `json:"id"`
	Account     string    `json:"account"`
	IdentityKey string    `json:"identity_key"`
	GapKind     string    `json:"gap_kind"`
	Details     string    `json:"details"`
	TradeID     *int64    `json:"trade_id,omitempty"`
	Reviewed    bool      `json:"reviewed"`
	CreatedAt   time.Time `json:"created_at"`
}
