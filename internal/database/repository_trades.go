// Package database: repository methods for the trade journal.
//
// Every state transition (entry, partial close, exit, synthetic close)
// is applied as a single transaction so a crash mid-transition can
// never leave a trade in an impossible state.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Trade persistence errors
var (
	ErrTradeNotFound = errors.New("trade not found")
)

const tradeColumns = `
	id, recommendation_id, account, identity_key, symbol,
	COALESCE(strategy, ''), expiration, entry_date, entry_price, quantity,
	iv_rank_at_entry, partial_realized_pnl, exit_date, exit_price,
	realized_pnl, days_held, max_profit_pct, close_reason, synthetic,
	COALESCE(notes, ''), status, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	err := row.Scan(
		&t.ID, &t.RecommendationID, &t.Account, &t.IdentityKey, &t.Symbol,
		&t.Strategy, &t.Expiration, &t.EntryDate, &t.EntryPrice, &t.Quantity,
		&t.IVRankAtEntry, &t.PartialRealizedPnL, &t.ExitDate, &t.ExitPrice,
		&t.RealizedPnL, &t.DaysHeld, &t.MaxProfitPct, &t.CloseReason,
		&t.Synthetic, &t.Notes, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trades: %w", err)
	}
	return trades, nil
}

// GetTrade returns a trade by id.
func (r *Repository) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	t, err := scanTrade(r.db.Pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// TradesByIdentityKey returns all trades for an identity key, most
// recent entry first.
func (r *Repository) TradesByIdentityKey(ctx context.Context, account, identityKey string) ([]*Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE account = $1 AND identity_key = $2
		ORDER BY entry_date DESC`,
		account, identityKey,
	)
}

// OpenTrades returns all open trades for an account.
func (r *Repository) OpenTrades(ctx context.Context, account string) ([]*Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE account = $1 AND status = $2
		ORDER BY entry_date ASC`,
		account, TradeStatusOpen,
	)
}

// ClosedTrades returns all closed trades for an account, oldest first.
func (r *Repository) ClosedTrades(ctx context.Context, account string) ([]*Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE account = $1 AND status = $2
		ORDER BY exit_date ASC`,
		account, TradeStatusClosed,
	)
}

// RecordEntry inserts a new open trade and, when it was matched to a
// recommendation, flips that recommendation to 'executed' in the same
// transaction.
func (r *Repository) RecordEntry(ctx context.Context, trade *Trade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO trades (
			recommendation_id, account, identity_key, symbol, strategy,
			expiration, entry_date, entry_price, quantity, iv_rank_at_entry,
			synthetic, notes, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`,
		trade.RecommendationID, trade.Account, trade.IdentityKey,
		trade.Symbol, trade.Strategy, trade.Expiration, trade.EntryDate,
		trade.EntryPrice, trade.Quantity, trade.IVRankAtEntry,
		trade.Synthetic, trade.Notes, TradeStatusOpen,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	trade.Status = TradeStatusOpen

	if trade.RecommendationID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE recommendations SET status = $1 WHERE id = $2`,
			RecommendationStatusExecuted, *trade.RecommendationID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark recommendation executed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}

	return nil
}

// RecordPartialClose reduces an open trade's quantity in place and
// accumulates the realized slice. The trade stays open.
func (r *Repository) RecordPartialClose(ctx context.Context, tradeID int64, newQuantity, slicePnL decimal.Decimal) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET quantity = $1,
		    partial_realized_pnl = partial_realized_pnl + $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4`,
		newQuantity, slicePnL, tradeID, TradeStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to record partial close: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// RecordExit closes a trade and, in the same transaction, stores the
// close-time insight and the recomputed performance metric.
func (r *Repository) RecordExit(ctx context.Context, trade *Trade, insight *Insight, metric *PerformanceMetric) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET exit_date = $1, exit_price = $2, realized_pnl = $3,
		    days_held = $4, max_profit_pct = $5, close_reason = $6,
		    status = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $8 AND status = $9`,
		trade.ExitDate, trade.ExitPrice, trade.RealizedPnL,
		trade.DaysHeld, trade.MaxProfitPct, trade.CloseReason,
		TradeStatusClosed, trade.ID, TradeStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTradeNotFound
	}
	trade.Status = TradeStatusClosed

	if insight != nil {
		if err := insertInsight(ctx, tx, insight); err != nil {
			return err
		}
	}
	if metric != nil {
		if err := insertMetric(ctx, tx, metric); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit exit: %w", err)
	}

	return nil
}

// RecordSyntheticClose inserts an already-closed trade with unknown
// entry data together with its reconciliation gap row. Used when an
// exit event references an identity key the journal never tracked.
func (r *Repository) RecordSyntheticClose(ctx context.Context, trade *Trade, gap *ReconciliationGap) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO trades (
			account, identity_key, symbol, strategy, expiration, entry_date,
			entry_price, quantity, exit_date, exit_price, realized_pnl,
			days_held, close_reason, synthetic, notes, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE, $14, $15)
		RETURNING id, created_at, updated_at`,
		trade.Account, trade.IdentityKey, trade.Symbol, trade.Strategy,
		trade.Expiration, trade.EntryDate, trade.EntryPrice, trade.Quantity,
		trade.ExitDate, trade.ExitPrice, trade.RealizedPnL, trade.DaysHeld,
		trade.CloseReason, trade.Notes, TradeStatusClosed,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert synthetic trade: %w", err)
	}
	trade.Status = TradeStatusClosed
	trade.Synthetic = true

	gap.TradeID = &trade.ID
	if err := insertGap(ctx, tx, gap); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit synthetic close: %w", err)
	}

	return nil
}

// RecordGap stores a standalone reconciliation gap for manual review.
func (r *Repository) RecordGap(ctx context.Context, gap *ReconciliationGap) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertGap(ctx, tx, gap); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit gap: %w", err)
	}
	return nil
}

func insertGap(ctx context.Context, tx pgx.Tx, gap *ReconciliationGap) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reconciliation_gaps (account, identity_key, gap_kind, details, trade_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		gap.Account, gap.IdentityKey, gap.GapKind, gap.Details, gap.TradeID,
	).Scan(&gap.ID, &gap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation gap: %w", err)
	}
	return nil
}

// UnreviewedGaps returns reconciliation gaps awaiting manual review.
func (r *Repository) UnreviewedGaps(ctx context.Context, account string) ([]*ReconciliationGap, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account, identity_key, gap_kind, COALESCE(details, ''),
		       trade_id, reviewed, created_at
		FROM reconciliation_gaps
		WHERE account = $1 AND reviewed = FALSE
		ORDER BY created_at ASC`,
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query gaps: %w", err)
	}
	defer rows.Close()

	var gaps []*ReconciliationGap
	for rows.Next() {
		var g ReconciliationGap
		if err := rows.Scan(
			&g.ID, &g.Account, &g.IdentityKey, &g.GapKind, &g.Details,
			&g.TradeID, &g.Reviewed, &g.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		gaps = append(gaps, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read gaps: %w", err)
	}
	return gaps, nil
}
