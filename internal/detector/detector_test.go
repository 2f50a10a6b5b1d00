package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/brokerage"
	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/journal"
	"options-trade-tracker/internal/lossmonitor"
	"options-trade-tracker/internal/matcher"
	"options-trade-tracker/internal/position"
)

// fakeStore backs every collaborator in one in-memory state so a test
// exercises the pipeline end to end.
type fakeStore struct {
	snapshots       []position.Snapshot
	trades          []*database.Trade
	gaps            []*database.ReconciliationGap
	insights        []*database.Insight
	metrics         []*database.PerformanceMetric
	recommendations []*database.Recommendation
	nextID          int64
}

func (f *fakeStore) LatestSnapshot(ctx context.Context, account string) (*position.Snapshot, error) {
	for i := len(f.snapshots) - 1; i >= 0; i-- {
		if f.snapshots[i].Account == account {
			snap := f.snapshots[i]
			return &snap, nil
		}
	}
	return nil, database.ErrNoSnapshot
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, snap position.Snapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) ExpireStaleRecommendations(ctx context.Context, account string, cutoff time.Time) (int64, error) {
	var n int64
	for _, r := range f.recommendations {
		if r.Account == account && r.Status == database.RecommendationStatusRecommended && r.CreatedAt.Before(cutoff) {
			r.Status = database.RecommendationStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) PendingRecommendations(ctx context.Context, account, symbol string, since time.Time) ([]*database.Recommendation, error) {
	var out []*database.Recommendation
	for _, r := range f.recommendations {
		if r.Account == account && r.Symbol == symbol &&
			r.Status == database.RecommendationStatusRecommended && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) FirstObservation(ctx context.Context, account, key string) (*position.Record, error) {
	for _, snap := range f.snapshots {
		if snap.Account != account {
			continue
		}
		for _, rec := range snap.Records {
			if rec.IdentityKey == key {
				r := rec
				return &r, nil
			}
		}
	}
	return nil, database.ErrNoSnapshot
}

func (f *fakeStore) TradesByIdentityKey(ctx context.Context, account, key string) ([]*database.Trade, error) {
	var out []*database.Trade
	for _, t := range f.trades {
		if t.Account == account && t.IdentityKey == key {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) OpenTrades(ctx context.Context, account string) ([]*database.Trade, error) {
	var out []*database.Trade
	for _, t := range f.trades {
		if t.Account == account && t.IsOpen() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ClosedTrades(ctx context.Context, account string) ([]*database.Trade, error) {
	var out []*database.Trade
	for _, t := range f.trades {
		if t.Account == account && t.Status == database.TradeStatusClosed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestMetric(ctx context.Context, account string) (*database.PerformanceMetric, error) {
	if len(f.metrics) == 0 {
		return nil, database.ErrNoMetrics
	}
	return f.metrics[len(f.metrics)-1], nil
}

func (f *fakeStore) RecordEntry(ctx context.Context, trade *database.Trade) error {
	f.nextID++
	trade.ID = f.nextID
	trade.Status = database.TradeStatusOpen
	f.trades = append(f.trades, trade)
	if trade.RecommendationID != nil {
		for _, r := range f.recommendations {
			if r.ID == *trade.RecommendationID {
				r.Status = database.RecommendationStatusExecuted
			}
		}
	}
	return nil
}

func (f *fakeStore) RecordPartialClose(ctx context.Context, tradeID int64, newQuantity, slicePnL decimal.Decimal) error {
	for _, t := range f.trades {
		if t.ID == tradeID && t.IsOpen() {
			t.Quantity = newQuantity
			t.PartialRealizedPnL = t.PartialRealizedPnL.Add(slicePnL)
			return nil
		}
	}
	return database.ErrTradeNotFound
}

func (f *fakeStore) RecordExit(ctx context.Context, trade *database.Trade, insight *database.Insight, metric *database.PerformanceMetric) error {
	trade.Status = database.TradeStatusClosed
	f.insights = append(f.insights, insight)
	f.metrics = append(f.metrics, metric)
	return nil
}

func (f *fakeStore) RecordSyntheticClose(ctx context.Context, trade *database.Trade, gap *database.ReconciliationGap) error {
	f.nextID++
	trade.ID = f.nextID
	trade.Status = database.TradeStatusClosed
	f.trades = append(f.trades, trade)
	f.gaps = append(f.gaps, gap)
	return nil
}

func (f *fakeStore) RecordGap(ctx context.Context, gap *database.ReconciliationGap) error {
	f.gaps = append(f.gaps, gap)
	return nil
}

type fakeBroker struct {
	positions map[string][]brokerage.Position
	metrics   []brokerage.MarketMetric
	err       error
}

func (f *fakeBroker) GetAccounts(ctx context.Context) ([]string, error) {
	return []string{"5WX12345"}, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context, account string) ([]brokerage.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.positions[account], nil
}

func (f *fakeBroker) GetMarketMetrics(ctx context.Context, symbols []string) ([]brokerage.MarketMetric, error) {
	return f.metrics, nil
}

func (f *fakeBroker) GetMark(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeLocker struct {
	held     map[string]bool
	acquired int
	released int
}

func (f *fakeLocker) Acquire(ctx context.Context, account string) error {
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[account] {
		return database.ErrRunInProgress
	}
	f.held[account] = true
	f.acquired++
	return nil
}

func (f *fakeLocker) Release(ctx context.Context, account string) {
	delete(f.held, account)
	f.released++
}

type fakeMarks struct {
	marks map[string]decimal.Decimal
}

func (f *fakeMarks) Set(ctx context.Context, identityKey string, mark decimal.Decimal) {
	if f.marks == nil {
		f.marks = make(map[string]decimal.Decimal)
	}
	f.marks[identityKey] = mark
}

func (f *fakeMarks) Get(ctx context.Context, identityKey string) (decimal.Decimal, bool) {
	mark, ok := f.marks[identityKey]
	return mark, ok
}

func newTestDetector(store *fakeStore, broker *fakeBroker) (*Detector, *fakeLocker, *fakeMarks) {
	logger := zerolog.Nop()
	locker := &fakeLocker{}
	marks := &fakeMarks{}
	j := journal.New(store, journal.DefaultConfig(), logger)
	m := matcher.New(store, matcher.DefaultConfig(), logger)
	monitor := lossmonitor.New(store, marks, lossmonitor.DefaultConfig(), logger)
	d := New(broker, store, j, m, monitor, locker, marks, DefaultConfig(), logger)
	return d, locker, marks
}

const account = "5WX12345"

func shortPutPosition(qty, avgPrice, mark string) brokerage.Position {
	return brokerage.Position{
		Symbol:            "SPY   260220P00565000",
		InstrumentType:    "Equity Option",
		UnderlyingSymbol:  "SPY",
		Quantity:          decimal.RequireFromString(qty).Abs(),
		QuantityDirection: "Short",
		AverageOpenPrice:  decimal.RequireFromString(avgPrice),
		ClosePrice:        decimal.RequireFromString(mark),
		Multiplier:        decimal.NewFromInt(100),
	}
}

func TestRunBaseline(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{
		account: {shortPutPosition("7", "1.90", "1.90")},
	}}
	d, locker, _ := newTestDetector(store, broker)

	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	report, err := d.Run(context.Background(), account, now)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !report.Baseline {
		t.Error("first run should establish a baseline")
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(store.snapshots))
	}
	if len(store.trades) != 0 {
		t.Errorf("trades after baseline = %d, want 0", len(store.trades))
	}
	if locker.released != 1 {
		t.Errorf("lock released %d times, want 1", locker.released)
	}
}

func TestRunEntryMatched(t *testing.T) {
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	expiration := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)

	iv := 68.0
	store := &fakeStore{recommendations: []*database.Recommendation{{
		ID:         1,
		Account:    account,
		Symbol:     "SPY",
		Strategy:   "put_credit_spread",
		Expiration: &expiration,
		IVRank:     &iv,
		Status:     database.RecommendationStatusRecommended,
		CreatedAt:  now.AddDate(0, 0, -2),
	}}}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, _, _ := newTestDetector(store, broker)

	// Baseline with no positions, then the position appears.
	if _, err := d.Run(context.Background(), account, now); err != nil {
		t.Fatalf("baseline Run() error = %v", err)
	}
	broker.positions[account] = []brokerage.Position{shortPutPosition("7", "1.90", "1.90")}

	report, err := d.Run(context.Background(), account, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Entries != 1 || report.MatchedEntries != 1 {
		t.Fatalf("entries = %d matched = %d, want 1/1", report.Entries, report.MatchedEntries)
	}
	if len(store.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(store.trades))
	}
	trade := store.trades[0]
	if trade.RecommendationID == nil || *trade.RecommendationID != 1 {
		t.Errorf("recommendation id = %v, want 1", trade.RecommendationID)
	}
	if store.recommendations[0].Status != database.RecommendationStatusExecuted {
		t.Errorf("recommendation status = %s, want executed", store.recommendations[0].Status)
	}
}

func TestRunExit(t *testing.T) {
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, _, _ := newTestDetector(store, broker)

	// Baseline empty, position appears, then disappears at a profit.
	if _, err := d.Run(context.Background(), account, now); err != nil {
		t.Fatalf("baseline Run() error = %v", err)
	}
	broker.positions[account] = []brokerage.Position{shortPutPosition("7", "1.90", "1.90")}
	if _, err := d.Run(context.Background(), account, now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("entry Run() error = %v", err)
	}

	// The final mark before the close is recorded by the middle run.
	broker.positions[account] = []brokerage.Position{shortPutPosition("7", "1.90", "0.95")}
	if _, err := d.Run(context.Background(), account, now.AddDate(0, 0, 6)); err != nil {
		t.Fatalf("mark update Run() error = %v", err)
	}

	broker.positions[account] = nil
	report, err := d.Run(context.Background(), account, now.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("exit Run() error = %v", err)
	}

	if report.Exits != 1 {
		t.Fatalf("exits = %d, want 1", report.Exits)
	}
	trade := store.trades[0]
	if trade.Status != database.TradeStatusClosed {
		t.Fatalf("trade status = %s, want closed", trade.Status)
	}
	if trade.RealizedPnL == nil || !trade.RealizedPnL.Equal(decimal.RequireFromString("665")) {
		t.Errorf("realized pnl = %v, want 665", trade.RealizedPnL)
	}
	if len(store.metrics) != 1 {
		t.Errorf("performance metrics = %d, want 1 recomputed at close", len(store.metrics))
	}
}

func TestRunQuantityReversal(t *testing.T) {
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, _, _ := newTestDetector(store, broker)

	if _, err := d.Run(context.Background(), account, now); err != nil {
		t.Fatalf("baseline Run() error = %v", err)
	}
	broker.positions[account] = []brokerage.Position{shortPutPosition("7", "1.90", "1.90")}
	if _, err := d.Run(context.Background(), account, now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("entry Run() error = %v", err)
	}

	// Direction flips short -> long on the same instrument.
	long := shortPutPosition("5", "1.10", "1.10")
	long.QuantityDirection = "Long"
	broker.positions[account] = []brokerage.Position{long}

	report, err := d.Run(context.Background(), account, now.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("reversal Run() error = %v", err)
	}

	if report.Exits != 1 || report.Entries != 1 {
		t.Fatalf("exits/entries = %d/%d, want 1/1 for a reversal", report.Exits, report.Entries)
	}
	if len(store.trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(store.trades))
	}
	if store.trades[0].Status != database.TradeStatusClosed {
		t.Error("original short trade should be closed")
	}
	if !store.trades[1].IsOpen() || !store.trades[1].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("new long trade = %+v, want open with quantity 5", store.trades[1])
	}
}

func TestRunPartialClose(t *testing.T) {
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, _, _ := newTestDetector(store, broker)

	if _, err := d.Run(context.Background(), account, now); err != nil {
		t.Fatalf("baseline Run() error = %v", err)
	}
	broker.positions[account] = []brokerage.Position{shortPutPosition("7", "1.90", "1.90")}
	if _, err := d.Run(context.Background(), account, now.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("entry Run() error = %v", err)
	}

	broker.positions[account] = []brokerage.Position{shortPutPosition("4", "1.90", "1.20")}
	report, err := d.Run(context.Background(), account, now.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("partial Run() error = %v", err)
	}

	if report.PartialCloses != 1 {
		t.Fatalf("partial closes = %d, want 1", report.PartialCloses)
	}
	trade := store.trades[0]
	if !trade.IsOpen() {
		t.Error("trade should remain open after a partial close")
	}
	if !trade.PartialRealizedPnL.Equal(decimal.RequireFromString("210")) {
		t.Errorf("partial realized pnl = %s, want 210", trade.PartialRealizedPnL)
	}
}

func TestRunBrokerageUnavailable(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{err: brokerage.ErrUnavailable}
	d, locker, _ := newTestDetector(store, broker)

	_, err := d.Run(context.Background(), account, time.Now())
	if !errors.Is(err, brokerage.ErrUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUnavailable", err)
	}
	if len(store.snapshots) != 0 {
		t.Error("a failed fetch must not persist a snapshot")
	}
	if locker.released != 1 {
		t.Error("lock must be released after a failed run")
	}
}

func TestRunSerialized(t *testing.T) {
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, locker, _ := newTestDetector(store, broker)

	locker.held = map[string]bool{account: true}
	_, err := d.Run(context.Background(), account, time.Now())
	if !errors.Is(err, database.ErrRunInProgress) {
		t.Fatalf("Run() error = %v, want ErrRunInProgress", err)
	}
}

func TestRunExpiresStaleRecommendations(t *testing.T) {
	now := time.Date(2026, 1, 15, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{recommendations: []*database.Recommendation{{
		ID:        1,
		Account:   account,
		Symbol:    "QQQ",
		Status:    database.RecommendationStatusRecommended,
		CreatedAt: now.AddDate(0, 0, -10),
	}}}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{account: {}}}
	d, _, _ := newTestDetector(store, broker)

	report, err := d.Run(context.Background(), account, now)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.ExpiredRecommendations != 1 {
		t.Errorf("expired = %d, want 1", report.ExpiredRecommendations)
	}
	if store.recommendations[0].Status != database.RecommendationStatusExpired {
		t.Errorf("status = %s, want expired", store.recommendations[0].Status)
	}
}

func TestRunCachesMarks(t *testing.T) {
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	broker := &fakeBroker{positions: map[string][]brokerage.Position{
		account: {shortPutPosition("7", "1.90", "2.45")},
	}}
	d, _, marks := newTestDetector(store, broker)

	if _, err := d.Run(context.Background(), account, now); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	key := "SPY|OPTION|2026-02-20|565|PUT"
	mark, ok := marks.Get(context.Background(), key)
	if !ok {
		t.Fatalf("mark for %s not cached", key)
	}
	if !mark.Equal(decimal.RequireFromString("2.45")) {
		t.Errorf("cached mark = %s, want 2.45", mark)
	}
}
