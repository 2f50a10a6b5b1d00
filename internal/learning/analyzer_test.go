package learning

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
)

type fakeRepo struct {
	trades    []*database.Trade
	revisions []*database.ParameterRevision
	insights  []*database.Insight
}

func (f *fakeRepo) ClosedTrades(ctx context.Context, account string) ([]*database.Trade, error) {
	var out []*database.Trade
	for _, t := range f.trades {
		if t.Account == account && t.Status == database.TradeStatusClosed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) LatestParameterRevision(ctx context.Context, account, parameter string) (*database.ParameterRevision, error) {
	var latest *database.ParameterRevision
	for _, r := range f.revisions {
		if r.Account != account || r.Parameter != parameter {
			continue
		}
		if latest == nil || r.Version > latest.Version {
			latest = r
		}
	}
	if latest == nil {
		return nil, database.ErrNoRevision
	}
	return latest, nil
}

func (f *fakeRepo) AppendParameterRevision(ctx context.Context, rev *database.ParameterRevision) error {
	rev.Version = 1
	for _, r := range f.revisions {
		if r.Account == rev.Account && r.Parameter == rev.Parameter && r.Version >= rev.Version {
			rev.Version = r.Version + 1
		}
	}
	f.revisions = append(f.revisions, rev)
	return nil
}

func (f *fakeRepo) CreateInsight(ctx context.Context, insight *database.Insight) error {
	f.insights = append(f.insights, insight)
	return nil
}

func newTestAnalyzer(repo Repository) *Analyzer {
	return New(repo, DefaultConfig(), zerolog.Nop())
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func closedTrade(symbol, pnl string, ivRank float64, closeReason string) *database.Trade {
	p := decimal.RequireFromString(pnl)
	entry := testNow.AddDate(0, 0, -40)
	expiration := entry.AddDate(0, 0, 30)
	days := 10
	return &database.Trade{
		Account:       "A",
		Symbol:        symbol,
		IdentityKey:   symbol + "|OPTION|2026-02-20|100|PUT",
		EntryDate:     entry,
		Expiration:    &expiration,
		EntryPrice:    decimal.RequireFromString("1.50"),
		Quantity:      decimal.NewFromInt(-2),
		IVRankAtEntry: &ivRank,
		RealizedPnL:   &p,
		DaysHeld:      &days,
		CloseReason:   &closeReason,
		Status:        database.TradeStatusClosed,
	}
}

// tradeSet builds wins winners and losses losers with the given IV
// rank averages.
func tradeSet(wins int, winIV float64, losses int, lossIV float64) []*database.Trade {
	var trades []*database.Trade
	for i := 0; i < wins; i++ {
		trades = append(trades, closedTrade("SPY", "300", winIV, "profit_rule"))
	}
	for i := 0; i < losses; i++ {
		trades = append(trades, closedTrade("SPY", "-200", lossIV, "stop_loss"))
	}
	return trades
}

func TestAnalyzeInsufficientSample(t *testing.T) {
	repo := &fakeRepo{trades: tradeSet(3, 70, 2, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.Sufficient {
		t.Error("5 trades should be below the 10-trade gate")
	}
	if analysis.SampleSize != 5 {
		t.Errorf("sample size = %d, want 5", analysis.SampleSize)
	}
	if len(analysis.Insights) != 0 || analysis.Adjustment != nil {
		t.Error("insufficient sample must emit nothing")
	}
}

func TestAnalyzeExcludesSyntheticTrades(t *testing.T) {
	trades := tradeSet(5, 70, 4, 40)
	synthetic := closedTrade("SPY", "0", 50, "unknown")
	synthetic.Synthetic = true
	trades = append(trades, synthetic)

	repo := &fakeRepo{trades: trades}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.SampleSize != 9 {
		t.Errorf("sample size = %d, want 9 with synthetic excluded", analysis.SampleSize)
	}
}

func TestAnalyzeIVSeparationInsight(t *testing.T) {
	// Winners average 72, losers 40: separation 32 points.
	repo := &fakeRepo{trades: tradeSet(6, 72, 4, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.IVSeparation == nil || *analysis.IVSeparation != 32 {
		t.Fatalf("iv separation = %v, want 32", analysis.IVSeparation)
	}
	if len(analysis.Insights) == 0 {
		t.Fatal("expected a separation insight at 32 points")
	}
}

func TestAnalyzeIVSeparationBelowMargin(t *testing.T) {
	// Separation 5 points: below the 10-point margin, no insight.
	repo := &fakeRepo{trades: tradeSet(6, 60, 4, 55)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.IVSeparation == nil || *analysis.IVSeparation != 5 {
		t.Fatalf("iv separation = %v, want 5", analysis.IVSeparation)
	}
	for _, insight := range analysis.Insights {
		if strings.Contains(insight, "IV rank is predictive") {
			t.Errorf("unexpected separation insight: %s", insight)
		}
	}
}

func TestAnalyzeAdjustmentLower(t *testing.T) {
	// 8 of 10 won: win rate 0.80 >= 0.70, lower the threshold.
	repo := &fakeRepo{trades: tradeSet(8, 70, 2, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	adj := analysis.Adjustment
	if adj == nil {
		t.Fatal("expected a lowering adjustment at 80% win rate")
	}
	if adj.Parameter != ParamIVRankThreshold {
		t.Errorf("parameter = %s, want %s", adj.Parameter, ParamIVRankThreshold)
	}
	if adj.OldValue != 50 || adj.NewValue != 45 {
		t.Errorf("adjustment = %.0f -> %.0f, want 50 -> 45", adj.OldValue, adj.NewValue)
	}
}

func TestAnalyzeAdjustmentRaise(t *testing.T) {
	// 4 of 10 won: win rate 0.40 <= 0.50, raise the threshold.
	repo := &fakeRepo{trades: tradeSet(4, 70, 6, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.Adjustment == nil {
		t.Fatal("expected a raising adjustment at 40% win rate")
	}
	if analysis.Adjustment.NewValue != 55 {
		t.Errorf("new value = %.0f, want 55", analysis.Adjustment.NewValue)
	}
}

func TestAnalyzeAdjustmentDeadBand(t *testing.T) {
	// 6 of 10 won: 0.60 sits strictly between the bands, no change.
	repo := &fakeRepo{trades: tradeSet(6, 70, 4, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.Adjustment != nil {
		t.Fatalf("adjustment = %+v, want none at 60%% win rate", analysis.Adjustment)
	}
}

func TestAnalyzeThresholdFromLatestRevision(t *testing.T) {
	repo := &fakeRepo{
		trades: tradeSet(8, 70, 2, 40),
		revisions: []*database.ParameterRevision{
			{Account: "A", Parameter: ParamIVRankThreshold, OldValue: 50, NewValue: 45, Version: 1},
			{Account: "A", Parameter: ParamIVRankThreshold, OldValue: 45, NewValue: 40, Version: 2},
		},
	}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if analysis.Adjustment == nil || analysis.Adjustment.OldValue != 40 {
		t.Fatalf("adjustment = %+v, want old value 40 from the latest revision", analysis.Adjustment)
	}
}

func TestAnalyzeBlacklist(t *testing.T) {
	trades := tradeSet(7, 70, 0, 0)
	// NVDA: three losses, zero wins.
	for i := 0; i < 3; i++ {
		trades = append(trades, closedTrade("NVDA", "-250", 45, "stop_loss"))
	}
	// TSLA: two losses only, below the blacklist floor.
	for i := 0; i < 2; i++ {
		trades = append(trades, closedTrade("TSLA", "-100", 45, "manual"))
	}

	repo := &fakeRepo{trades: trades}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(analysis.Blacklist) != 1 || analysis.Blacklist[0] != "NVDA" {
		t.Fatalf("blacklist = %v, want [NVDA]", analysis.Blacklist)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	repo := &fakeRepo{trades: tradeSet(6, 72, 4, 40)}
	a := newTestAnalyzer(repo)

	first, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	second, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(first.Buckets) != len(second.Buckets) {
		t.Fatalf("bucket counts differ: %d vs %d", len(first.Buckets), len(second.Buckets))
	}
	for i := range first.Buckets {
		if first.Buckets[i] != second.Buckets[i] {
			t.Errorf("bucket %d differs: %+v vs %+v", i, first.Buckets[i], second.Buckets[i])
		}
	}
	if len(first.Insights) != len(second.Insights) {
		t.Errorf("insight counts differ: %d vs %d", len(first.Insights), len(second.Insights))
	}
}

func TestPersist(t *testing.T) {
	repo := &fakeRepo{trades: tradeSet(8, 72, 2, 40)}
	a := newTestAnalyzer(repo)

	analysis, err := a.Analyze(context.Background(), "A", testNow)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if err := a.Persist(context.Background(), analysis); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	if len(repo.insights) != len(analysis.Insights) {
		t.Errorf("persisted insights = %d, want %d", len(repo.insights), len(analysis.Insights))
	}
	if len(repo.revisions) != 1 {
		t.Fatalf("persisted revisions = %d, want 1", len(repo.revisions))
	}
	rev := repo.revisions[0]
	if rev.Version != 1 {
		t.Errorf("revision version = %d, want 1", rev.Version)
	}
	if rev.Justification == "" {
		t.Error("revision justification is empty")
	}

	// A second persist appends version 2 rather than overwriting.
	if err := a.Persist(context.Background(), analysis); err != nil {
		t.Fatalf("second Persist() error = %v", err)
	}
	if len(repo.revisions) != 2 || repo.revisions[1].Version != 2 {
		t.Fatalf("revisions after second persist = %+v, want appended version 2", repo.revisions)
	}
}
