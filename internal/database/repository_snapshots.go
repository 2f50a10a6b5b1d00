// Package database: repository methods for position snapshots.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"options-trade-tracker/internal/position"
)

// ErrNoSnapshot is returned when an account has no stored snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot found")

// SaveSnapshot persists a snapshot header and all of its position rows
// in a single transaction. Snapshots are immutable once written.
func (r *Repository) SaveSnapshot(ctx context.Context, snap position.Snapshot) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (id, account, taken_at, position_count)
		VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.Account, snap.TakenAt, len(snap.Records),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot header: %w", err)
	}

	for _, rec := range snap.Records {
		_, err = tx.Exec(ctx, `
			INSERT INTO snapshot_positions (
				snapshot_id, identity_key, underlying_symbol, instrument_kind,
				expiration, strike, option_right, quantity, average_price,
				mark_price, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			snap.ID, rec.IdentityKey, rec.Underlying, rec.Kind,
			rec.Expiration, rec.Strike, rec.Right, rec.Quantity,
			rec.AveragePrice, rec.MarkPrice, rec.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot position %s: %w", rec.IdentityKey, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	r.logger.Debug().
		Str("snapshot_id", snap.ID).
		Str("account", snap.Account).
		Int("positions", len(snap.Records)).
		Msg("Snapshot saved")

	return nil
}

// LatestSnapshot returns the most recent snapshot for an account, or
// ErrNoSnapshot when none exists.
func (r *Repository) LatestSnapshot(ctx context.Context, account string) (*position.Snapshot, error) {
	var snap position.Snapshot

	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account, taken_at
		FROM snapshots
		WHERE account = $1
		ORDER BY taken_at DESC
		LIMIT 1`,
		account,
	).Scan(&snap.ID, &snap.Account, &snap.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	records, err := r.snapshotPositions(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	snap.Records = records

	return &snap, nil
}

func (r *Repository) snapshotPositions(ctx context.Context, snapshotID string) ([]position.Record, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT identity_key, underlying_symbol, instrument_kind, expiration,
		       COALESCE(strike, 0), option_right, quantity, average_price,
		       mark_price, observed_at
		FROM snapshot_positions
		WHERE snapshot_id = $1
		ORDER BY identity_key`,
		snapshotID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot positions: %w", err)
	}
	defer rows.Close()

	var records []position.Record
	for rows.Next() {
		var rec position.Record
		if err := rows.Scan(
			&rec.IdentityKey, &rec.Underlying, &rec.Kind, &rec.Expiration,
			&rec.Strike, &rec.Right, &rec.Quantity, &rec.AveragePrice,
			&rec.MarkPrice, &rec.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot position: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot positions: %w", err)
	}

	return records, nil
}

// FirstObservation returns the earliest stored record for an identity
// key across all snapshots of an account, or ErrNoSnapshot. The journal
// uses it to backfill entry data for positions that predate tracking.
func (r *Repository) FirstObservation(ctx context.Context, account, identityKey string) (*position.Record, error) {
	var rec position.Record

	err := r.db.Pool.QueryRow(ctx, `
		SELECT sp.identity_key, sp.underlying_symbol, sp.instrument_kind,
		       sp.expiration, COALESCE(sp.strike, 0), sp.option_right,
		       sp.quantity, sp.average_price, sp.mark_price, sp.observed_at
		FROM snapshot_positions sp
		JOIN snapshots s ON s.id = sp.snapshot_id
		WHERE s.account = $1 AND sp.identity_key = $2
		ORDER BY sp.observed_at ASC
		LIMIT 1`,
		account, identityKey,
	).Scan(
		&rec.IdentityKey, &rec.Underlying, &rec.Kind, &rec.Expiration,
		&rec.Strike, &rec.Right, &rec.Quantity, &rec.AveragePrice,
		&rec.MarkPrice, &rec.ObservedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to query first observation: %w", err)
	}

	return &rec, nil
}
