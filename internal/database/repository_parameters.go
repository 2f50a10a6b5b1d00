// Package database: repository methods for versioned scanner parameters.
//
// Parameter revisions are append-only. The learning analyzer writes a
// new version; the scanner reads the latest on its next configuration
// load. History is never rewritten.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoRevision is returned when a parameter has no stored revision.
var ErrNoRevision = errors.New("no parameter revision found")

// AppendParameterRevision stores a new revision of a parameter,
// assigning the next version number for (account, parameter).
func (r *Repository) AppendParameterRevision(ctx context.Context, rev *ParameterRevision) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO parameter_revisions (
			account, parameter, old_value, new_value, justification, version
		)
		SELECT $1, $2, $3, $4, $5,
		       COALESCE(MAX(version), 0) + 1
		FROM parameter_revisions
		WHERE account = $1 AND parameter = $2
		RETURNING id, version, created_at`,
		rev.Account, rev.Parameter, rev.OldValue, rev.NewValue, rev.Justification,
	).Scan(&rev.ID, &rev.Version, &rev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append parameter revision: %w", err)
	}

	r.logger.Info().
		Str("parameter", rev.Parameter).
		Float64("old_value", rev.OldValue).
		Float64("new_value", rev.NewValue).
		Int("version", rev.Version).
		Msg("Parameter revision appended")

	return nil
}

// LatestParameterRevision returns the current revision of a parameter.
func (r *Repository) LatestParameterRevision(ctx context.Context, account, parameter string) (*ParameterRevision, error) {
	var rev ParameterRevision
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account, parameter, old_value, new_value, justification, version, created_at
		FROM parameter_revisions
		WHERE account = $1 AND parameter = $2
		ORDER BY version DESC
		LIMIT 1`,
		account, parameter,
	).Scan(
		&rev.ID, &rev.Account, &rev.Parameter, &rev.OldValue, &rev.NewValue,
		&rev.Justification, &rev.Version, &rev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoRevision
		}
		return nil, fmt.Errorf("failed to get parameter revision: %w", err)
	}
	return &rev, nil
}

// ParameterHistory returns all revisions of a parameter, oldest first.
func (r *Repository) ParameterHistory(ctx context.Context, account, parameter string) ([]*ParameterRevision, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account, parameter, old_value, new_value, justification, version, created_at
		FROM parameter_revisions
		WHERE account = $1 AND parameter = $2
		ORDER BY version ASC`,
		account, parameter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query parameter history: %w", err)
	}
	defer rows.Close()

	var revs []*ParameterRevision
	for rows.Next() {
		var rev ParameterRevision
		if err := rows.Scan(
			&rev.ID, &rev.Account, &rev.Parameter, &rev.OldValue, &rev.NewValue,
			&rev.Justification, &rev.Version, &rev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan parameter revision: %w", err)
		}
		revs = append(revs, &rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read parameter history: %w", err)
	}
	return revs, nil
}
