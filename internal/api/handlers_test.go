package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/lossmonitor"
)

type fakeStore struct {
	trades    []*database.Trade
	metric    *database.PerformanceMetric
	insights  []*database.Insight
	revisions []*database.ParameterRevision
	gaps      []*database.ReconciliationGap
}

func (f *fakeStore) GetTrade(ctx context.Context, id int64) (*database.Trade, error) {
	for _, t := range f.trades {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, database.ErrTradeNotFound
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
	if f.metric == nil {
		return nil, database.ErrNoMetrics
	}
	return f.metric, nil
}

func (f *fakeStore) RecentInsights(ctx context.Context, account string, limit int) ([]*database.Insight, error) {
	if len(f.insights) > limit {
		return f.insights[:limit], nil
	}
	return f.insights, nil
}

func (f *fakeStore) LatestParameterRevision(ctx context.Context, account, parameter string) (*database.ParameterRevision, error) {
	for i := len(f.revisions) - 1; i >= 0; i-- {
		if f.revisions[i].Parameter == parameter {
			return f.revisions[i], nil
		}
	}
	return nil, database.ErrNoRevision
}

func (f *fakeStore) ParameterHistory(ctx context.Context, account, parameter string) ([]*database.ParameterRevision, error) {
	var out []*database.ParameterRevision
	for _, r := range f.revisions {
		if r.Parameter == parameter {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UnreviewedGaps(ctx context.Context, account string) ([]*database.ReconciliationGap, error) {
	return f.gaps, nil
}

type fakeAssessor struct {
	report *lossmonitor.Report
}

func (f *fakeAssessor) Assess(ctx context.Context, account string, now time.Time) (*lossmonitor.Report, error) {
	return f.report, nil
}

func newTestServer(store *fakeStore) *Server {
	return NewServer(store, &fakeAssessor{report: &lossmonitor.Report{Account: "A"}},
		Config{Port: 0, DefaultAccount: "A"}, zerolog.Nop())
}

func doRequest(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, body
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeStore{})

	w, body := doRequest(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
}

func TestTradesEndpoint(t *testing.T) {
	open := &database.Trade{ID: 1, Account: "A", Symbol: "SPY", Status: database.TradeStatusOpen,
		EntryPrice: decimal.RequireFromString("1.90"), Quantity: decimal.NewFromInt(-7)}
	closed := &database.Trade{ID: 2, Account: "A", Symbol: "QQQ", Status: database.TradeStatusClosed,
		EntryPrice: decimal.RequireFromString("2.40"), Quantity: decimal.NewFromInt(-3)}
	s := newTestServer(&fakeStore{trades: []*database.Trade{open, closed}})

	w, body := doRequest(t, s, "/api/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("open count = %v, want 1", body["count"])
	}

	w, body = doRequest(t, s, "/api/trades?status=closed")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("closed count = %v, want 1", body["count"])
	}

	w, _ = doRequest(t, s, "/api/trades?status=bogus")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad status filter", w.Code)
	}
}

func TestTradeByID(t *testing.T) {
	trade := &database.Trade{ID: 7, Account: "A", Symbol: "SPY", Status: database.TradeStatusOpen,
		EntryPrice: decimal.RequireFromString("1.90"), Quantity: decimal.NewFromInt(-7)}
	s := newTestServer(&fakeStore{trades: []*database.Trade{trade}})

	w, body := doRequest(t, s, "/api/trades/7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["symbol"] != "SPY" {
		t.Errorf("symbol = %v, want SPY", body["symbol"])
	}

	w, _ = doRequest(t, s, "/api/trades/99")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown trade", w.Code)
	}

	w, _ = doRequest(t, s, "/api/trades/notanumber")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for bad id", w.Code)
	}
}

func TestPerformanceEndpoint(t *testing.T) {
	s := newTestServer(&fakeStore{metric: &database.PerformanceMetric{
		Account: "A", TotalTrades: 10, WinningTrades: 7, WinRate: 0.7,
	}})

	w, body := doRequest(t, s, "/api/performance")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	metric := body["metric"].(map[string]any)
	if metric["win_rate"].(float64) != 0.7 {
		t.Errorf("win rate = %v, want 0.7", metric["win_rate"])
	}
}

func TestPerformanceEndpointEmpty(t *testing.T) {
	s := newTestServer(&fakeStore{})

	w, body := doRequest(t, s, "/api/performance")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with null metric", w.Code)
	}
	if body["metric"] != nil {
		t.Errorf("metric = %v, want null before any trade closes", body["metric"])
	}
}

func TestParameterEndpoints(t *testing.T) {
	s := newTestServer(&fakeStore{revisions: []*database.ParameterRevision{
		{ID: 1, Account: "A", Parameter: "iv_rank_threshold", OldValue: 50, NewValue: 45, Version: 1},
		{ID: 2, Account: "A", Parameter: "iv_rank_threshold", OldValue: 45, NewValue: 40, Version: 2},
	}})

	w, body := doRequest(t, s, "/api/parameters/iv_rank_threshold")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["version"].(float64) != 2 {
		t.Errorf("version = %v, want latest (2)", body["version"])
	}

	w, body = doRequest(t, s, "/api/parameters/iv_rank_threshold/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if revisions := body["revisions"].([]any); len(revisions) != 2 {
		t.Errorf("history length = %d, want 2", len(revisions))
	}

	w, _ = doRequest(t, s, "/api/parameters/unknown_param")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown parameter", w.Code)
	}
}

func TestInsightsLimitValidation(t *testing.T) {
	s := newTestServer(&fakeStore{})

	w, _ := doRequest(t, s, "/api/insights?limit=0")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for limit 0", w.Code)
	}
	w, _ = doRequest(t, s, "/api/insights?limit=10")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestLossReportEndpoint(t *testing.T) {
	s := newTestServer(&fakeStore{})

	w, body := doRequest(t, s, "/api/loss-report")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["account"] != "A" {
		t.Errorf("account = %v, want A", body["account"])
	}
}
