// Package matcher links NEW position events to pending scanner
// recommendations. Matching is a best-effort heuristic: it only sets
// an informational link and never affects trade identity or P&L.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/position"
)

// Repository is the persistence surface the matcher reads from.
// Implemented by *database.Repository.
type Repository interface {
	PendingRecommendations(ctx context.Context, account, symbol string, since time.Time) ([]*database.Recommendation, error)
}

// Config holds the matcher's candidate-selection window.
type Config struct {
	// LookbackDays bounds how old a recommendation may be and still
	// match a new position. Default 7.
	LookbackDays int `json:"lookback_days"`

	// ExpirationToleranceDays is the allowed gap between the
	// recommendation's expiration and the position's. One trading day
	// can span a weekend, so the default is 3 calendar days.
	ExpirationToleranceDays int `json:"expiration_tolerance_days"`
}

// DefaultConfig returns the default matching window.
func DefaultConfig() Config {
	return Config{
		LookbackDays:            7,
		ExpirationToleranceDays: 3,
	}
}

// Matcher selects the best-fit recommendation for new positions.
type Matcher struct {
	repo   Repository
	cfg    Config
	logger zerolog.Logger
}

// New creates a matcher.
func New(repo Repository, cfg Config, logger zerolog.Logger) *Matcher {
	return &Matcher{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With().Str("component", "matcher").Logger(),
	}
}

// Match returns the best pending recommendation for a NEW position
// event, or nil when nothing fits. Candidates must share the
// underlying symbol, sit within the lookback window of the
// observation, and (for options) expire within the tolerance of the
// position's expiration. Ties break toward the most recently created
// recommendation.
func (m *Matcher) Match(ctx context.Context, account string, rec position.Record) (*database.Recommendation, error) {
	since := rec.ObservedAt.AddDate(0, 0, -m.cfg.LookbackDays)

	candidates, err := m.repo.PendingRecommendations(ctx, account, rec.Underlying, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending recommendations: %w", err)
	}

	// Candidates arrive newest first, so the first compatible one wins
	// the tie-break.
	for _, candidate := range candidates {
		if candidate.CreatedAt.After(rec.ObservedAt) {
			continue
		}
		if !m.expirationCompatible(candidate, rec) {
			continue
		}

		m.logger.Info().
			Int64("recommendation_id", candidate.ID).
			Str("symbol", rec.Underlying).
			Str("identity_key", rec.IdentityKey).
			Time("recommended_at", candidate.CreatedAt).
			Msg("Matched new position to recommendation")
		return candidate, nil
	}

	m.logger.Debug().
		Str("symbol", rec.Underlying).
		Str("identity_key", rec.IdentityKey).
		Int("candidates", len(candidates)).
		Msg("No recommendation matched new position")
	return nil, nil
}

// expirationCompatible checks the expiration windows line up. Equity
// positions and recommendations without an expiration match on symbol
// and lookback alone.
func (m *Matcher) expirationCompatible(candidate *database.Recommendation, rec position.Record) bool {
	if rec.Expiration == nil || candidate.Expiration == nil {
		return true
	}

	gap := rec.Expiration.Sub(*candidate.Expiration)
	if gap < 0 {
		gap = -gap
	}
	tolerance := time.Duration(m.cfg.ExpirationToleranceDays) * 24 * time.Hour
	return gap <= tolerance
}
