// Package detector runs the reconciliation pipeline: snapshot the
// account's positions, diff against the previous snapshot, match and
// journal the resulting trade events, then assess open trades.
package detector

import (
	"context"
	"errors"
	"fmt"
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

// Repository is the persistence surface the detector drives directly.
// Implemented by *database.Repository.
type Repository interface {
	LatestSnapshot(ctx context.Context, account string) (*position.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap position.Snapshot) error
	ExpireStaleRecommendations(ctx context.Context, account string, cutoff time.Time) (int64, error)
}

// Locker serializes runs per account. Implemented by
// *database.RunLocker.
type Locker interface {
	Acquire(ctx context.Context, account string) error
	Release(ctx context.Context, account string)
}

// MarkStore caches live marks for the loss monitor. Implemented by
// *database.MarkCache.
type MarkStore interface {
	Set(ctx context.Context, identityKey string, mark decimal.Decimal)
}

// Config holds the detector's run parameters.
type Config struct {
	// RecommendationLookbackDays bounds both matching and staleness:
	// recommendations older than this expire unmatched. Default 7.
	RecommendationLookbackDays int `json:"recommendation_lookback_days"`
}

// DefaultConfig returns the default run parameters.
func DefaultConfig() Config {
	return Config{RecommendationLookbackDays: 7}
}

// RunReport summarizes one pipeline run for an account.
type RunReport struct {
	Account                string    `json:"account"`
	SnapshotID             string    `json:"snapshot_id"`
	Baseline               bool      `json:"baseline"`
	StartedAt              time.Time `json:"started_at"`
	FinishedAt             time.Time `json:"finished_at"`
	Positions              int       `json:"positions"`
	NewEvents              int       `json:"new_events"`
	ClosedEvents           int       `json:"closed_events"`
	ChangedEvents          int       `json:"changed_events"`
	Unchanged              int       `json:"unchanged"`
	Entries                int       `json:"entries"`
	MatchedEntries         int       `json:"matched_entries"`
	Exits                  int       `json:"exits"`
	SyntheticExits         int       `json:"synthetic_exits"`
	PartialCloses          int       `json:"partial_closes"`
	Gaps                   int       `json:"gaps"`
	ExpiredRecommendations int64     `json:"expired_recommendations"`

	LossReport *lossmonitor.Report `json:"loss_report,omitempty"`
}

// Detector owns one account-scoped pipeline run.
type Detector struct {
	broker  brokerage.Client
	repo    Repository
	journal *journal.Journal
	matcher *matcher.Matcher
	monitor *lossmonitor.Monitor
	locker  Locker
	marks   MarkStore
	cfg     Config
	logger  zerolog.Logger
}

// New wires a detector from its collaborators.
func New(broker brokerage.Client, repo Repository, j *journal.Journal, m *matcher.Matcher,
	monitor *lossmonitor.Monitor, locker Locker, marks MarkStore, cfg Config, logger zerolog.Logger) *Detector {
	return &Detector{
		broker:  broker,
		repo:    repo,
		journal: j,
		matcher: m,
		monitor: monitor,
		locker:  locker,
		marks:   marks,
		cfg:     cfg,
		logger:  logger.With().Str("component", "detector").Logger(),
	}
}

// Run executes one full reconciliation pass for the account. Runs are
// serialized per account: a second concurrent call returns
// database.ErrRunInProgress. A brokerage failure aborts the run before
// any state is persisted.
func (d *Detector) Run(ctx context.Context, account string, now time.Time) (*RunReport, error) {
	if err := d.locker.Acquire(ctx, account); err != nil {
		return nil, err
	}
	defer d.locker.Release(ctx, account)

	report := &RunReport{
		Account:   account,
		StartedAt: now,
	}

	// The brokerage fetch happens before anything is written: a
	// transient outage leaves no trace of the run.
	positions, err := d.broker.GetPositions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions for %s: %w", account, err)
	}

	records := make([]position.Record, 0, len(positions))
	for _, p := range positions {
		records = append(records, p.ToRecord(now))
	}

	curr := position.NewSnapshot(account, now, records)
	report.SnapshotID = curr.ID
	report.Positions = len(curr.Records)

	prev, err := d.repo.LatestSnapshot(ctx, account)
	if err != nil && !errors.Is(err, database.ErrNoSnapshot) {
		return nil, fmt.Errorf("failed to load previous snapshot: %w", err)
	}

	diff := position.Diff(prev, curr)
	report.NewEvents, report.ClosedEvents, report.ChangedEvents, report.Unchanged = diff.Counts()

	if err := d.repo.SaveSnapshot(ctx, curr); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	for _, rec := range curr.Records {
		d.marks.Set(ctx, rec.IdentityKey, rec.MarkPrice)
	}

	cutoff := now.AddDate(0, 0, -d.cfg.RecommendationLookbackDays)
	expired, err := d.repo.ExpireStaleRecommendations(ctx, account, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale recommendations: %w", err)
	}
	report.ExpiredRecommendations = expired

	if diff.Baseline {
		d.logger.Info().
			Str("account", account).
			Str("snapshot_id", curr.ID).
			Int("positions", report.Positions).
			Msg("Baseline established, no events emitted")
		report.Baseline = true
		report.FinishedAt = time.Now().UTC()
		return report, nil
	}

	ivRanks := d.fetchIVRanks(ctx, diff.New)

	// Exits first: a direction reversal splits into CLOSED + NEW on
	// the same identity key, and the close must land before the new
	// entry can open.
	for _, closed := range diff.Closed {
		result, err := d.journal.Exit(ctx, account, closed, now)
		if err != nil {
			return nil, err
		}
		report.Exits++
		if result.Synthetic {
			report.SyntheticExits++
		}
		if result.Gap != nil {
			report.Gaps++
		}
	}

	for _, change := range diff.Changed {
		result, err := d.journal.QuantityChange(ctx, account, change)
		if err != nil {
			return nil, err
		}
		if result.Gap != nil {
			report.Gaps++
			continue
		}
		if change.Reduced() {
			report.PartialCloses++
		}
	}

	for _, rec := range diff.New {
		recommendation, err := d.matcher.Match(ctx, account, rec)
		if err != nil {
			return nil, err
		}
		event := journal.EntryEvent{
			Account:        account,
			Record:         rec,
			Recommendation: recommendation,
		}
		if iv, ok := ivRanks[rec.Underlying]; ok {
			event.IVRank = &iv
		}
		if _, err := d.journal.Entry(ctx, event); err != nil {
			return nil, err
		}
		report.Entries++
		if recommendation != nil {
			report.MatchedEntries++
		}
	}

	lossReport, err := d.monitor.Assess(ctx, account, now)
	if err != nil {
		return nil, err
	}
	report.LossReport = lossReport

	report.FinishedAt = time.Now().UTC()
	d.logger.Info().
		Str("account", account).
		Str("snapshot_id", curr.ID).
		Int("new", report.NewEvents).
		Int("closed", report.ClosedEvents).
		Int("changed", report.ChangedEvents).
		Int("unchanged", report.Unchanged).
		Int("gaps", report.Gaps).
		Int64("expired_recommendations", expired).
		Msg("Reconciliation run complete")

	return report, nil
}

// fetchIVRanks pulls current IV ranks for the underlyings of new
// positions. Metric fetch failures degrade the run (entries journal
// without IV context) instead of aborting it.
func (d *Detector) fetchIVRanks(ctx context.Context, newRecords []position.Record) map[string]float64 {
	if len(newRecords) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, rec := range newRecords {
		if !seen[rec.Underlying] {
			seen[rec.Underlying] = true
			symbols = append(symbols, rec.Underlying)
		}
	}

	metrics, err := d.broker.GetMarketMetrics(ctx, symbols)
	if err != nil {
		d.logger.Warn().Err(err).
			Strs("symbols", symbols).
			Msg("Market metrics unavailable, journaling entries without IV rank")
		return nil
	}

	ranks := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		ranks[m.Symbol] = m.IVRank
	}
	return ranks
}
