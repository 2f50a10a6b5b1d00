// Package learning aggregates closed trades along independent
// dimensions and emits parameter-adjustment recommendations for the
// scanner's next configuration load. The analysis never mutates
// historical trades.
package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
)

// ParamIVRankThreshold is the scanner parameter the analyzer tunes.
const ParamIVRankThreshold = "iv_rank_threshold"

// Analysis dimensions.
const (
	DimIVRank      = "iv_rank"
	DimSymbol      = "symbol"
	DimDTE         = "dte"
	DimCloseReason = "close_reason"
)

// Repository is the persistence surface the analyzer needs.
// Implemented by *database.Repository.
type Repository interface {
	ClosedTrades(ctx context.Context, account string) ([]*database.Trade, error)
	LatestParameterRevision(ctx context.Context, account, parameter string) (*database.ParameterRevision, error)
	AppendParameterRevision(ctx context.Context, rev *database.ParameterRevision) error
	CreateInsight(ctx context.Context, insight *database.Insight) error
}

// Config holds the analyzer's thresholds and sample-size guards.
type Config struct {
	// MinSampleSize gates the whole analysis: below this many closed
	// trades nothing is emitted. Default 10.
	MinSampleSize int `json:"min_sample_size"`

	// SignificanceMargin is the minimum winner-vs-loser IV rank
	// separation, in percentage points, worth reporting. Default 10.
	SignificanceMargin float64 `json:"significance_margin"`

	// WinRateLowerAt recommends lowering the IV threshold when the
	// overall win rate reaches it. Default 0.70.
	WinRateLowerAt float64 `json:"win_rate_lower_at"`

	// WinRateRaiseAt recommends raising the IV threshold when the
	// overall win rate falls to it or below. Default 0.50.
	WinRateRaiseAt float64 `json:"win_rate_raise_at"`

	// ThresholdStep is the fixed adjustment step in IV rank points.
	// Default 5.
	ThresholdStep float64 `json:"threshold_step"`

	// DefaultIVThreshold seeds the parameter before any revision
	// exists. Default 50.
	DefaultIVThreshold float64 `json:"default_iv_threshold"`

	// MinSymbolTrades is the floor for reporting per-symbol stats.
	// Default 2.
	MinSymbolTrades int `json:"min_symbol_trades"`

	// BlacklistMinTrades is the floor for flagging a symbol with a
	// zero win rate. Default 3.
	BlacklistMinTrades int `json:"blacklist_min_trades"`
}

// DefaultConfig returns the default analyzer thresholds.
func DefaultConfig() Config {
	return Config{
		MinSampleSize:      10,
		SignificanceMargin: 10,
		WinRateLowerAt:     0.70,
		WinRateRaiseAt:     0.50,
		ThresholdStep:      5,
		DefaultIVThreshold: 50,
		MinSymbolTrades:    2,
		BlacklistMinTrades: 3,
	}
}

// BucketStat is one cell of a dimensional partition.
type BucketStat struct {
	Dimension string          `json:"dimension"`
	Bucket    string          `json:"bucket"`
	Trades    int             `json:"trades"`
	Wins      int             `json:"wins"`
	WinRate   float64         `json:"win_rate"`
	AvgPnL    decimal.Decimal `json:"avg_pnl"`
	TotalPnL  decimal.Decimal `json:"total_pnl"`
}

// Adjustment is a recommended parameter change, not yet applied.
type Adjustment struct {
	Parameter     string  `json:"parameter"`
	OldValue      float64 `json:"old_value"`
	NewValue      float64 `json:"new_value"`
	Justification string  `json:"justification"`
}

// Analysis is the full output of one analyzer pass. It is a pure
// function of the closed-trade set and the current parameter values:
// running it twice against unchanged data yields identical output.
type Analysis struct {
	Account        string       `json:"account"`
	SampleSize     int          `json:"sample_size"`
	Sufficient     bool         `json:"sufficient"`
	OverallWinRate float64      `json:"overall_win_rate"`
	IVSeparation   *float64     `json:"iv_separation,omitempty"` // winners' avg minus losers' avg
	Buckets        []BucketStat `json:"buckets"`
	Insights       []string     `json:"insights"`
	Adjustment     *Adjustment  `json:"adjustment,omitempty"`
	Blacklist      []string     `json:"blacklist,omitempty"`
	GeneratedAt    time.Time    `json:"generated_at"`
}

// Analyzer derives learning output from closed trades.
type Analyzer struct {
	repo   Repository
	cfg    Config
	logger zerolog.Logger
}

// New creates an analyzer.
func New(repo Repository, cfg Config, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With().Str("component", "learning").Logger(),
	}
}

// Analyze partitions the account's closed trades and derives insights,
// a parameter adjustment, and blacklist candidates. Synthetic trades
// carry unknown entry data and are excluded. Nothing is persisted;
// see Persist.
func (a *Analyzer) Analyze(ctx context.Context, account string, now time.Time) (*Analysis, error) {
	all, err := a.repo.ClosedTrades(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load closed trades: %w", err)
	}

	var trades []*database.Trade
	for _, t := range all {
		if t.Synthetic || t.RealizedPnL == nil {
			continue
		}
		trades = append(trades, t)
	}

	analysis := &Analysis{
		Account:     account,
		SampleSize:  len(trades),
		GeneratedAt: now,
	}
	if len(trades) < a.cfg.MinSampleSize {
		a.logger.Info().
			Str("account", account).
			Int("sample_size", len(trades)).
			Int("min_sample_size", a.cfg.MinSampleSize).
			Msg("Not enough closed trades for learning analysis")
		return analysis, nil
	}
	analysis.Sufficient = true

	wins := 0
	for _, t := range trades {
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	analysis.OverallWinRate = float64(wins) / float64(len(trades))

	threshold, err := a.currentThreshold(ctx, account)
	if err != nil {
		return nil, err
	}

	analysis.Buckets = a.partition(trades, threshold)
	analysis.IVSeparation = ivSeparation(trades)

	a.deriveInsights(analysis)
	analysis.Adjustment = a.deriveAdjustment(analysis, threshold)
	analysis.Blacklist = a.deriveBlacklist(trades)

	a.logger.Info().
		Str("account", account).
		Int("sample_size", analysis.SampleSize).
		Float64("win_rate", analysis.OverallWinRate).
		Int("insights", len(analysis.Insights)).
		Bool("adjustment", analysis.Adjustment != nil).
		Msg("Learning analysis complete")

	return analysis, nil
}

// Persist writes the analysis output to the side channel the scanner
// reads: account-scoped insight rows and an appended parameter
// revision. Historical trades are untouched.
func (a *Analyzer) Persist(ctx context.Context, analysis *Analysis) error {
	for _, text := range analysis.Insights {
		data, err := json.Marshal(map[string]any{
			"sample_size":  analysis.SampleSize,
			"win_rate":     analysis.OverallWinRate,
			"generated_at": analysis.GeneratedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to encode insight data: %w", err)
		}
		insight := &database.Insight{
			Account:     analysis.Account,
			InsightType: "learning",
			Description: text,
			Data:        data,
		}
		if err := a.repo.CreateInsight(ctx, insight); err != nil {
			return fmt.Errorf("failed to persist learning insight: %w", err)
		}
	}

	if analysis.Adjustment != nil {
		rev := &database.ParameterRevision{
			Account:       analysis.Account,
			Parameter:     analysis.Adjustment.Parameter,
			OldValue:      analysis.Adjustment.OldValue,
			NewValue:      analysis.Adjustment.NewValue,
			Justification: analysis.Adjustment.Justification,
		}
		if err := a.repo.AppendParameterRevision(ctx, rev); err != nil {
			return fmt.Errorf("failed to append parameter revision: %w", err)
		}
		a.logger.Info().
			Str("parameter", rev.Parameter).
			Float64("old_value", rev.OldValue).
			Float64("new_value", rev.NewValue).
			Msg("Parameter adjustment recorded")
	}

	return nil
}

func (a *Analyzer) currentThreshold(ctx context.Context, account string) (float64, error) {
	rev, err := a.repo.LatestParameterRevision(ctx, account, ParamIVRankThreshold)
	if errors.Is(err, database.ErrNoRevision) {
		return a.cfg.DefaultIVThreshold, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load current threshold: %w", err)
	}
	return rev.NewValue, nil
}

// partition buckets the trades along every dimension. Bucket order is
// deterministic.
func (a *Analyzer) partition(trades []*database.Trade, threshold float64) []BucketStat {
	type cell struct {
		trades int
		wins   int
		total  decimal.Decimal
	}
	buckets := make(map[string]map[string]*cell)
	add := func(dimension, bucket string, t *database.Trade) {
		if buckets[dimension] == nil {
			buckets[dimension] = make(map[string]*cell)
		}
		c := buckets[dimension][bucket]
		if c == nil {
			c = &cell{}
			buckets[dimension][bucket] = c
		}
		c.trades++
		if t.RealizedPnL.IsPositive() {
			c.wins++
		}
		c.total = c.total.Add(*t.RealizedPnL)
	}

	for _, t := range trades {
		if t.IVRankAtEntry != nil {
			bucket := fmt.Sprintf("below_%.0f", threshold)
			if *t.IVRankAtEntry >= threshold {
				bucket = fmt.Sprintf("at_or_above_%.0f", threshold)
			}
			add(DimIVRank, bucket, t)
		}
		add(DimSymbol, t.Symbol, t)
		if t.Expiration != nil {
			add(DimDTE, dteBucket(t.Expiration.Sub(t.EntryDate)), t)
		}
		if t.CloseReason != nil {
			add(DimCloseReason, *t.CloseReason, t)
		}
	}

	var stats []BucketStat
	for dimension, cells := range buckets {
		for bucket, c := range cells {
			if dimension == DimSymbol && c.trades < a.cfg.MinSymbolTrades {
				continue
			}
			stats = append(stats, BucketStat{
				Dimension: dimension,
				Bucket:    bucket,
				Trades:    c.trades,
				Wins:      c.wins,
				WinRate:   float64(c.wins) / float64(c.trades),
				AvgPnL:    c.total.Div(decimal.NewFromInt(int64(c.trades))),
				TotalPnL:  c.total,
			})
		}
	}
	sort.Slice(stats, func(i, k int) bool {
		if stats[i].Dimension != stats[k].Dimension {
			return stats[i].Dimension < stats[k].Dimension
		}
		return stats[i].Bucket < stats[k].Bucket
	})
	return stats
}

func dteBucket(untilExpiration time.Duration) string {
	days := int(untilExpiration.Hours() / 24)
	switch {
	case days <= 7:
		return "0-7"
	case days <= 21:
		return "8-21"
	case days <= 45:
		return "22-45"
	default:
		return "45+"
	}
}

// ivSeparation returns winners' average entry IV rank minus losers',
// or nil when either cohort is empty.
func ivSeparation(trades []*database.Trade) *float64 {
	var winSum, lossSum float64
	var winN, lossN int
	for _, t := range trades {
		if t.IVRankAtEntry == nil {
			continue
		}
		if t.RealizedPnL.IsPositive() {
			winSum += *t.IVRankAtEntry
			winN++
		} else {
			lossSum += *t.IVRankAtEntry
			lossN++
		}
	}
	if winN == 0 || lossN == 0 {
		return nil
	}
	sep := winSum/float64(winN) - lossSum/float64(lossN)
	return &sep
}

func (a *Analyzer) deriveInsights(analysis *Analysis) {
	if analysis.IVSeparation != nil && *analysis.IVSeparation >= a.cfg.SignificanceMargin {
		analysis.Insights = append(analysis.Insights, fmt.Sprintf(
			"winners' average entry IV rank exceeds losers' by %.1f points; IV rank is predictive for this account",
			*analysis.IVSeparation))
	}

	for _, b := range analysis.Buckets {
		switch b.Dimension {
		case DimCloseReason:
			if b.Bucket == "stop_loss" && b.Trades >= 3 {
				analysis.Insights = append(analysis.Insights, fmt.Sprintf(
					"%d trades hit the stop loss averaging %s; consider smaller position sizing",
					b.Trades, b.AvgPnL.StringFixed(2)))
			}
		case DimDTE:
			if b.Bucket == "0-7" && b.Trades >= 3 && b.WinRate < 0.5 {
				analysis.Insights = append(analysis.Insights, fmt.Sprintf(
					"short-dated entries (0-7 DTE) win only %.0f%% of the time across %d trades",
					b.WinRate*100, b.Trades))
			}
		}
	}
}

func (a *Analyzer) deriveAdjustment(analysis *Analysis, threshold float64) *Adjustment {
	switch {
	case analysis.OverallWinRate >= a.cfg.WinRateLowerAt:
		return &Adjustment{
			Parameter: ParamIVRankThreshold,
			OldValue:  threshold,
			NewValue:  threshold - a.cfg.ThresholdStep,
			Justification: fmt.Sprintf(
				"win rate %.0f%% over %d trades supports admitting more entries; lower IV rank threshold %.0f -> %.0f",
				analysis.OverallWinRate*100, analysis.SampleSize, threshold, threshold-a.cfg.ThresholdStep),
		}
	case analysis.OverallWinRate <= a.cfg.WinRateRaiseAt:
		return &Adjustment{
			Parameter: ParamIVRankThreshold,
			OldValue:  threshold,
			NewValue:  threshold + a.cfg.ThresholdStep,
			Justification: fmt.Sprintf(
				"win rate %.0f%% over %d trades calls for stricter entries; raise IV rank threshold %.0f -> %.0f",
				analysis.OverallWinRate*100, analysis.SampleSize, threshold, threshold+a.cfg.ThresholdStep),
		}
	default:
		return nil
	}
}

func (a *Analyzer) deriveBlacklist(trades []*database.Trade) []string {
	counts := make(map[string]int)
	wins := make(map[string]int)
	for _, t := range trades {
		counts[t.Symbol]++
		if t.RealizedPnL.IsPositive() {
			wins[t.Symbol]++
		}
	}

	var blacklist []string
	for symbol, n := range counts {
		if n >= a.cfg.BlacklistMinTrades && wins[symbol] == 0 {
			blacklist = append(blacklist, symbol)
		}
	}
	sort.Strings(blacklist)
	return blacklist
}
