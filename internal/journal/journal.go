// Package journal owns the trade state machine: entries, partial
// closes, exits, P&L derivation, close-time insights, and the rolling
// performance metric.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/position"
)

// Journal errors
var (
	// ErrNoOpenTrade means an event referenced an identity key with no
	// open trade. Callers treat this as a reconciliation gap, not a
	// failure.
	ErrNoOpenTrade = errors.New("no open trade for identity key")

	// ErrDataInvariant means the journal found a state that should be
	// impossible, e.g. two open trades sharing an identity key. The
	// run must halt rather than guess.
	ErrDataInvariant = errors.New("data invariant violation")
)

// Repository is the persistence surface the journal needs. Implemented
// by *database.Repository.
type Repository interface {
	TradesByIdentityKey(ctx context.Context, account, identityKey string) ([]*database.Trade, error)
	ClosedTrades(ctx context.Context, account string) ([]*database.Trade, error)
	LatestMetric(ctx context.Context, account string) (*database.PerformanceMetric, error)
	FirstObservation(ctx context.Context, account, identityKey string) (*position.Record, error)

	RecordEntry(ctx context.Context, trade *database.Trade) error

	// RecordPartialClose persists the reduced quantity and accumulates
	// slicePnL on the trade row. Whether the in-memory trade handed out
	// earlier reflects the update is implementation-defined; the journal
	// does not depend on it either way.
	RecordPartialClose(ctx context.Context, tradeID int64, newQuantity, slicePnL decimal.Decimal) error
	RecordExit(ctx context.Context, trade *database.Trade, insight *database.Insight, metric *database.PerformanceMetric) error
	RecordSyntheticClose(ctx context.Context, trade *database.Trade, gap *database.ReconciliationGap) error
	RecordGap(ctx context.Context, gap *database.ReconciliationGap) error
}

// Config holds the journal's close-reason thresholds.
type Config struct {
	// ProfitRulePct closes count as profit-rule exits at or above this
	// percentage of max credit captured. Default 50.
	ProfitRulePct float64 `json:"profit_rule_pct"`

	// StopLossMultiple classifies a close as a stop when the loss
	// reaches this multiple of the entry credit. Default 1.0.
	StopLossMultiple float64 `json:"stop_loss_multiple"`

	// ExpiryGraceDays treats closes within this many days of
	// expiration as expirations. Default 1.
	ExpiryGraceDays int `json:"expiry_grace_days"`
}

// DefaultConfig returns the default journal thresholds.
func DefaultConfig() Config {
	return Config{
		ProfitRulePct:    50,
		StopLossMultiple: 1.0,
		ExpiryGraceDays:  1,
	}
}

// Journal applies trade state transitions.
type Journal struct {
	repo   Repository
	cfg    Config
	logger zerolog.Logger
}

// New creates a journal.
func New(repo Repository, cfg Config, logger zerolog.Logger) *Journal {
	return &Journal{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// EntryEvent is a NEW position event, optionally matched to a
// recommendation.
type EntryEvent struct {
	Account        string
	Record         position.Record
	Recommendation *database.Recommendation // nil when unmatched
	IVRank         *float64                 // current IV rank when unmatched
}

// Entry creates an open trade from a NEW event. When the event was
// matched, the recommendation flips to executed in the same
// transaction. Unmatched entries are journaled with a null
// recommendation id: manually initiated trades are still tracked.
func (j *Journal) Entry(ctx context.Context, event EntryEvent) (*database.Trade, error) {
	rec := event.Record

	if err := j.checkNoOpenTrade(ctx, event.Account, rec.IdentityKey); err != nil {
		return nil, err
	}

	trade := &database.Trade{
		Account:       event.Account,
		IdentityKey:   rec.IdentityKey,
		Symbol:        rec.Underlying,
		Expiration:    rec.Expiration,
		EntryDate:     rec.ObservedAt,
		EntryPrice:    rec.AveragePrice,
		Quantity:      rec.Quantity,
		IVRankAtEntry: event.IVRank,
		Notes:         "auto-detected from position snapshot",
	}

	if event.Recommendation != nil {
		trade.RecommendationID = &event.Recommendation.ID
		trade.Strategy = event.Recommendation.Strategy
		if event.Recommendation.IVRank != nil {
			trade.IVRankAtEntry = event.Recommendation.IVRank
		}
	}

	if err := j.repo.RecordEntry(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to journal entry: %w", err)
	}

	logEvent := j.logger.Info().
		Int64("trade_id", trade.ID).
		Str("identity_key", trade.IdentityKey).
		Str("symbol", trade.Symbol).
		Str("quantity", trade.Quantity.String()).
		Str("entry_price", trade.EntryPrice.String())
	if trade.RecommendationID != nil {
		logEvent = logEvent.Int64("recommendation_id", *trade.RecommendationID)
	}
	logEvent.Msg("Trade entry journaled")

	return trade, nil
}

// QuantityChangeResult reports what a CHANGED event did to the journal.
type QuantityChangeResult struct {
	Trade    *database.Trade
	SlicePnL decimal.Decimal
	Gap      *database.ReconciliationGap // set when no open trade existed
}

// QuantityChange applies a CHANGED event. A reduced magnitude is a
// partial close: the realized slice is attributed proportionally to
// the quantity delta and the trade's quantity is reduced in place,
// status staying open. An increased magnitude only updates quantity;
// no P&L is realized by adding exposure.
func (j *Journal) QuantityChange(ctx context.Context, account string, change position.QuantityChange) (*QuantityChangeResult, error) {
	trade, err := j.openTrade(ctx, account, change.Key)
	if errors.Is(err, ErrNoOpenTrade) {
		gap := &database.ReconciliationGap{
			Account:     account,
			IdentityKey: change.Key,
			GapKind:     database.GapKindUnknownChange,
			Details: fmt.Sprintf("quantity changed %s -> %s with no open trade",
				change.Prev.Quantity, change.Curr.Quantity),
		}
		if gerr := j.repo.RecordGap(ctx, gap); gerr != nil {
			return nil, gerr
		}
		j.logger.Warn().
			Str("identity_key", change.Key).
			Msg("Quantity change for untracked position, gap recorded")
		return &QuantityChangeResult{Gap: gap}, nil
	}
	if err != nil {
		return nil, err
	}

	slicePnL := decimal.Zero
	if change.Reduced() {
		closedQty := change.Prev.Quantity.Abs().Sub(change.Curr.Quantity.Abs())
		// The closed slice exits at the current mark; entry cost is
		// attributed proportionally, not by lot accounting.
		slicePnL = realizedPnL(trade.EntryPrice, change.Curr.MarkPrice,
			change.Prev.Quantity, closedQty, change.Curr.Multiplier())
	}

	// Derive the post-close fields before the write: a Repository may
	// share memory with the trade it handed out, and must not be relied
	// on either to apply or to skip the mutation.
	newPartial := trade.PartialRealizedPnL.Add(slicePnL)

	if err := j.repo.RecordPartialClose(ctx, trade.ID, change.Curr.Quantity, slicePnL); err != nil {
		return nil, fmt.Errorf("failed to journal quantity change: %w", err)
	}

	trade.Quantity = change.Curr.Quantity
	trade.PartialRealizedPnL = newPartial

	j.logger.Info().
		Int64("trade_id", trade.ID).
		Str("identity_key", change.Key).
		Str("new_quantity", change.Curr.Quantity.String()).
		Str("slice_pnl", slicePnL.String()).
		Bool("reduced", change.Reduced()).
		Msg("Trade quantity change journaled")

	return &QuantityChangeResult{Trade: trade, SlicePnL: slicePnL}, nil
}

// ExitResult reports what a CLOSED event did to the journal.
type ExitResult struct {
	Trade     *database.Trade
	Synthetic bool
	Gap       *database.ReconciliationGap
}

// Exit closes the open trade for a CLOSED event. The event's record is
// the position's last observation from the previous snapshot; its mark
// is used as the exit price. The trade row, the close-time insight,
// and the recomputed performance metric commit in one transaction.
//
// Events for unknown identity keys produce a synthetic closed trade
// and a reconciliation gap instead of an error.
func (j *Journal) Exit(ctx context.Context, account string, closed position.Record, observedAt time.Time) (*ExitResult, error) {
	trade, err := j.openTrade(ctx, account, closed.IdentityKey)
	if errors.Is(err, ErrNoOpenTrade) {
		return j.exitUntracked(ctx, account, closed, observedAt)
	}
	if err != nil {
		return nil, err
	}

	exitPrice := closed.MarkPrice
	slicePnL := realizedPnL(trade.EntryPrice, exitPrice,
		trade.Quantity, trade.Quantity.Abs(), closed.Multiplier())
	totalPnL := trade.PartialRealizedPnL.Add(slicePnL)

	daysHeld := int(observedAt.Sub(trade.EntryDate).Hours() / 24)
	maxProfitPct := maxProfitPercent(trade.EntryPrice, exitPrice, trade.Quantity)
	reason := string(j.classifyClose(trade, exitPrice, observedAt, maxProfitPct, totalPnL, closed.Multiplier()))

	trade.ExitDate = &observedAt
	trade.ExitPrice = &exitPrice
	trade.RealizedPnL = &totalPnL
	trade.DaysHeld = &daysHeld
	trade.MaxProfitPct = &maxProfitPct
	trade.CloseReason = &reason

	insight, err := j.buildCloseInsight(ctx, trade)
	if err != nil {
		return nil, err
	}
	metric, err := j.recomputeMetric(ctx, account, trade)
	if err != nil {
		return nil, err
	}

	if err := j.repo.RecordExit(ctx, trade, insight, metric); err != nil {
		return nil, fmt.Errorf("failed to journal exit: %w", err)
	}

	j.logger.Info().
		Int64("trade_id", trade.ID).
		Str("identity_key", trade.IdentityKey).
		Str("realized_pnl", totalPnL.String()).
		Int("days_held", daysHeld).
		Str("close_reason", reason).
		Msg("Trade exit journaled")

	return &ExitResult{Trade: trade}, nil
}

// exitUntracked handles a CLOSED event whose identity key the journal
// never tracked (or whose trade is already closed). It synthesizes a
// closed trade with unknown entry data, or records a gap when a closed
// trade already exists, and never fails the run.
func (j *Journal) exitUntracked(ctx context.Context, account string, closed position.Record, observedAt time.Time) (*ExitResult, error) {
	history, err := j.repo.TradesByIdentityKey(ctx, account, closed.IdentityKey)
	if err != nil {
		return nil, err
	}
	for _, t := range history {
		if t.Status == database.TradeStatusClosed {
			gap := &database.ReconciliationGap{
				Account:     account,
				IdentityKey: closed.IdentityKey,
				GapKind:     database.GapKindAlreadyClosed,
				Details:     fmt.Sprintf("exit event arrived but trade %d is already closed", t.ID),
				TradeID:     &t.ID,
			}
			if gerr := j.repo.RecordGap(ctx, gap); gerr != nil {
				return nil, gerr
			}
			j.logger.Warn().
				Str("identity_key", closed.IdentityKey).
				Int64("trade_id", t.ID).
				Msg("Exit event for already-closed trade, gap recorded")
			return &ExitResult{Trade: t, Gap: gap}, nil
		}
	}

	// The position predates tracking, so the exit side is real but the
	// entry is reconstructed. The earliest snapshot observation of the
	// key, when one exists, is a better entry estimate than the final
	// record. Realized P&L stays zero either way.
	entryDate := closed.ObservedAt
	entryPrice := closed.AveragePrice
	first, err := j.repo.FirstObservation(ctx, account, closed.IdentityKey)
	if err != nil && !errors.Is(err, database.ErrNoSnapshot) {
		return nil, err
	}
	if first != nil {
		entryDate = first.ObservedAt
		entryPrice = first.AveragePrice
	}

	exitPrice := closed.MarkPrice
	zero := decimal.Zero
	daysHeld := int(observedAt.Sub(entryDate).Hours() / 24)
	reason := string(CloseReasonUnknown)

	trade := &database.Trade{
		Account:     account,
		IdentityKey: closed.IdentityKey,
		Symbol:      closed.Underlying,
		Expiration:  closed.Expiration,
		EntryDate:   entryDate,
		EntryPrice:  entryPrice,
		Quantity:    closed.Quantity,
		ExitDate:    &observedAt,
		ExitPrice:   &exitPrice,
		RealizedPnL: &zero,
		DaysHeld:    &daysHeld,
		CloseReason: &reason,
		Synthetic:   true,
		Notes:       "synthesized: position closed before the journal tracked it",
	}
	gap := &database.ReconciliationGap{
		Account:     account,
		IdentityKey: closed.IdentityKey,
		GapKind:     database.GapKindUnknownExit,
		Details:     "exit event with no open trade; synthetic closed trade created",
	}

	if err := j.repo.RecordSyntheticClose(ctx, trade, gap); err != nil {
		return nil, fmt.Errorf("failed to journal synthetic close: %w", err)
	}

	j.logger.Warn().
		Str("identity_key", closed.IdentityKey).
		Int64("trade_id", trade.ID).
		Msg("Exit event for untracked position, synthetic trade created")

	return &ExitResult{Trade: trade, Synthetic: true, Gap: gap}, nil
}

// openTrade returns the single open trade for an identity key,
// enforcing the one-open-trade invariant.
func (j *Journal) openTrade(ctx context.Context, account, identityKey string) (*database.Trade, error) {
	trades, err := j.repo.TradesByIdentityKey(ctx, account, identityKey)
	if err != nil {
		return nil, err
	}

	var open *database.Trade
	for _, t := range trades {
		if !t.IsOpen() {
			continue
		}
		if open != nil {
			return nil, fmt.Errorf("%w: multiple open trades for identity key %s",
				ErrDataInvariant, identityKey)
		}
		open = t
	}
	if open == nil {
		return nil, ErrNoOpenTrade
	}
	return open, nil
}

func (j *Journal) checkNoOpenTrade(ctx context.Context, account, identityKey string) error {
	_, err := j.openTrade(ctx, account, identityKey)
	if errors.Is(err, ErrNoOpenTrade) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: entry event for identity key %s which already has an open trade",
		ErrDataInvariant, identityKey)
}
