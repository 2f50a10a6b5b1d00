// Package lossmonitor classifies open trades by unrealized-loss
// severity and produces action directives.
package lossmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/position"
)

// Severity tiers, ordered worst first.
const (
	TierCritical = "CRITICAL"
	TierWarning  = "WARNING"
	TierWatch    = "WATCH"
	TierNone     = "NONE"
)

// Action directives per tier.
const (
	DirectiveExitNow  = "exit immediately"
	DirectiveExitSoon = "exit within 1-2 days"
	DirectiveMonitor  = "monitor closely, mental stop at 50% of credit"
	DirectiveTimeStop = "time stop reached, exit within 1-2 days"
	DirectiveNoAction = ""
)

// Repository is the persistence surface the monitor reads from.
// Implemented by *database.Repository.
type Repository interface {
	OpenTrades(ctx context.Context, account string) ([]*database.Trade, error)
}

// MarkSource supplies the live mark for an identity key. Implemented
// by *database.MarkCache, which the detector fills from each snapshot.
type MarkSource interface {
	Get(ctx context.Context, identityKey string) (decimal.Decimal, bool)
}

// Config holds the monitor's severity thresholds. All are ratios of
// unrealized loss to entry credit, except TimeStopDays.
type Config struct {
	// CriticalRatio triggers an immediate-exit directive. Default 1.0,
	// the full entry credit lost.
	CriticalRatio float64 `json:"critical_ratio"`

	// WarningRatio triggers an exit-soon directive. Default 0.5.
	WarningRatio float64 `json:"warning_ratio"`

	// WatchRatio puts the trade on watch. Default 0.25.
	WatchRatio float64 `json:"watch_ratio"`

	// TimeStopDays escalates any unrealized-negative trade held at
	// least this long to WARNING. Default 21, three quarters of a
	// 30-day target horizon.
	TimeStopDays int `json:"time_stop_days"`
}

// DefaultConfig returns the default severity thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalRatio: 1.0,
		WarningRatio:  0.5,
		WatchRatio:    0.25,
		TimeStopDays:  21,
	}
}

// Assessment is the monitor's verdict on one open trade.
type Assessment struct {
	Trade         *database.Trade `json:"trade"`
	Mark          decimal.Decimal `json:"mark"`
	MarkAvailable bool            `json:"mark_available"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LossRatio     float64         `json:"loss_ratio"` // 0 when not losing
	DaysHeld      int             `json:"days_held"`
	TimeStop      bool            `json:"time_stop"`
	Tier          string          `json:"tier"`
	Directive     string          `json:"directive"`
}

// Report covers every open trade for one account at a point in time.
type Report struct {
	Account     string       `json:"account"`
	GeneratedAt time.Time    `json:"generated_at"`
	Assessments []Assessment `json:"assessments"`
	Critical    int          `json:"critical"`
	Warning     int          `json:"warning"`
	Watch       int          `json:"watch"`
}

// Monitor assesses open trades against live marks.
type Monitor struct {
	repo   Repository
	marks  MarkSource
	cfg    Config
	logger zerolog.Logger
}

// New creates a loss monitor.
func New(repo Repository, marks MarkSource, cfg Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		repo:   repo,
		marks:  marks,
		cfg:    cfg,
		logger: logger.With().Str("component", "loss_monitor").Logger(),
	}
}

// Assess classifies every open trade for the account. Trades without
// an available mark are reported unclassified rather than skipped.
func (m *Monitor) Assess(ctx context.Context, account string, now time.Time) (*Report, error) {
	trades, err := m.repo.OpenTrades(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load open trades: %w", err)
	}

	report := &Report{
		Account:     account,
		GeneratedAt: now,
	}

	for _, trade := range trades {
		assessment := m.assess(ctx, trade, now)
		report.Assessments = append(report.Assessments, assessment)

		switch assessment.Tier {
		case TierCritical:
			report.Critical++
		case TierWarning:
			report.Warning++
		case TierWatch:
			report.Watch++
		}

		if assessment.Tier != TierNone {
			m.logger.Warn().
				Int64("trade_id", trade.ID).
				Str("symbol", trade.Symbol).
				Str("tier", assessment.Tier).
				Float64("loss_ratio", assessment.LossRatio).
				Int("days_held", assessment.DaysHeld).
				Bool("time_stop", assessment.TimeStop).
				Msg("Open trade flagged by loss monitor")
		}
	}

	return report, nil
}

func (m *Monitor) assess(ctx context.Context, trade *database.Trade, now time.Time) Assessment {
	assessment := Assessment{
		Trade:     trade,
		DaysHeld:  int(now.Sub(trade.EntryDate).Hours() / 24),
		Tier:      TierNone,
		Directive: DirectiveNoAction,
	}

	mark, ok := m.marks.Get(ctx, trade.IdentityKey)
	if !ok {
		m.logger.Debug().
			Int64("trade_id", trade.ID).
			Str("identity_key", trade.IdentityKey).
			Msg("No mark available for open trade")
		return assessment
	}
	assessment.Mark = mark
	assessment.MarkAvailable = true

	multiplier := decimal.NewFromInt(position.MultiplierForKey(trade.IdentityKey))
	assessment.UnrealizedPnL = unrealizedPnL(trade.EntryPrice, mark, trade.Quantity, multiplier)

	entryValue := trade.EntryPrice.Mul(trade.Quantity.Abs()).Mul(multiplier).Abs()
	if assessment.UnrealizedPnL.IsNegative() && !entryValue.IsZero() {
		ratio, _ := assessment.UnrealizedPnL.Abs().Div(entryValue).Float64()
		assessment.LossRatio = ratio
	}

	assessment.Tier, assessment.Directive = m.classify(assessment.LossRatio)

	if assessment.UnrealizedPnL.IsNegative() &&
		m.cfg.TimeStopDays > 0 && assessment.DaysHeld >= m.cfg.TimeStopDays {
		assessment.TimeStop = true
		if assessment.Tier == TierNone || assessment.Tier == TierWatch {
			assessment.Tier = TierWarning
			assessment.Directive = DirectiveTimeStop
		}
	}

	return assessment
}

func (m *Monitor) classify(lossRatio float64) (tier, directive string) {
	switch {
	case lossRatio >= m.cfg.CriticalRatio:
		return TierCritical, DirectiveExitNow
	case lossRatio >= m.cfg.WarningRatio:
		return TierWarning, DirectiveExitSoon
	case lossRatio >= m.cfg.WatchRatio:
		return TierWatch, DirectiveMonitor
	default:
		return TierNone, DirectiveNoAction
	}
}

// unrealizedPnL mirrors realized P&L math against a live mark: shorts
// gain when the mark falls below entry, longs when it rises above.
func unrealizedPnL(entry, mark, signedQty, multiplier decimal.Decimal) decimal.Decimal {
	perUnit := mark.Sub(entry)
	if signedQty.IsNegative() {
		perUnit = entry.Sub(mark)
	}
	return perUnit.Mul(signedQty.Abs()).Mul(multiplier)
}
