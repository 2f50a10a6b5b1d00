// Package database: repository methods for scanner recommendations.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrRecommendationNotFound is returned when a recommendation id does
// not exist.
var ErrRecommendationNotFound = errors.New("recommendation not found")

const recommendationColumns = `
	id, account, symbol, strategy, expiration, dte, short_strike,
	long_strike, expected_credit, recommended_quantity, iv_rank,
	COALESCE(reason, ''), status, created_at`

func scanRecommendation(row pgx.Row) (*Recommendation, error) {
	var rec Recommendation
	err := row.Scan(
		&rec.ID, &rec.Account, &rec.Symbol, &rec.Strategy, &rec.Expiration,
		&rec.DTE, &rec.ShortStrike, &rec.LongStrike, &rec.ExpectedCredit,
		&rec.RecommendedQuantity, &rec.IVRank, &rec.Reason, &rec.Status,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecommendation inserts a scanner recommendation.
func (r *Repository) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO recommendations (
			account, symbol, strategy, expiration, dte, short_strike,
			long_strike, expected_credit, recommended_quantity, iv_rank, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, status, created_at`,
		rec.Account, rec.Symbol, rec.Strategy, rec.Expiration, rec.DTE,
		rec.ShortStrike, rec.LongStrike, rec.ExpectedCredit,
		rec.RecommendedQuantity, rec.IVRank, rec.Reason,
	).Scan(&rec.ID, &rec.Status, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recommendation: %w", err)
	}
	return nil
}

// PendingRecommendations returns recommendations still in 'recommended'
// status for a symbol, created at or after the cutoff, most recent first.
func (r *Repository) PendingRecommendations(ctx context.Context, account, symbol string, since time.Time) ([]*Recommendation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+recommendationColumns+`
		FROM recommendations
		WHERE account = $1 AND symbol = $2 AND status = $3 AND created_at >= $4
		ORDER BY created_at DESC`,
		account, symbol, RecommendationStatusRecommended, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending recommendations: %w", err)
	}
	defer rows.Close()

	var recs []*Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recommendations: %w", err)
	}

	return recs, nil
}

// GetRecommendation returns a recommendation by id.
func (r *Repository) GetRecommendation(ctx context.Context, id int64) (*Recommendation, error) {
	rec, err := scanRecommendation(r.db.Pool.QueryRow(ctx, `
		SELECT `+recommendationColumns+`
		FROM recommendations
		WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecommendationNotFound
		}
		return nil, fmt.Errorf("failed to get recommendation: %w", err)
	}
	return rec, nil
}

// ExpireStaleRecommendations flips recommendations older than the
// cutoff from 'recommended' to 'expired'. Returns the number expired.
func (r *Repository) ExpireStaleRecommendations(ctx context.Context, account string, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE recommendations
		SET status = $1
		WHERE account = $2 AND status = $3 AND created_at < $4`,
		RecommendationStatusExpired, account, RecommendationStatusRecommended, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire recommendations: %w", err)
	}
	return tag.RowsAffected(), nil
}
