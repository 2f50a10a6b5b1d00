// Package database: repository methods for insights and performance
// metrics.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoMetrics is returned when an account has no performance metric yet.
var ErrNoMetrics = errors.New("no performance metrics found")

func insertInsight(ctx context.Context, tx pgx.Tx, insight *Insight) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO insights (account, trade_id, insight_type, description, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		insight.Account, insight.TradeID, insight.InsightType,
		insight.Description, insight.Data,
	).Scan(&insight.ID, &insight.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// CreateInsight stores a standalone insight (learning analyzer output).
func (r *Repository) CreateInsight(ctx context.Context, insight *Insight) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertInsight(ctx, tx, insight); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit insight: %w", err)
	}
	return nil
}

// RecentInsights returns the most recent insights for an account.
func (r *Repository) RecentInsights(ctx context.Context, account string, limit int) ([]*Insight, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account, trade_id, insight_type, description, data, applied, created_at
		FROM insights
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		var in Insight
		if err := rows.Scan(
			&in.ID, &in.Account, &in.TradeID, &in.InsightType,
			&in.Description, &in.Data, &in.Applied, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan insight: %w", err)
		}
		insights = append(insights, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read insights: %w", err)
	}
	return insights, nil
}

func insertMetric(ctx context.Context, tx pgx.Tx, m *PerformanceMetric) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO performance_metrics (
			account, total_trades, winning_trades, losing_trades, win_rate,
			avg_winner, avg_loser, profit_factor, total_pnl,
			avg_days_held_winners, avg_days_held_losers,
			avg_iv_rank_winners, avg_iv_rank_losers
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, calculated_at`,
		m.Account, m.TotalTrades, m.WinningTrades, m.LosingTrades, m.WinRate,
		m.AvgWinner, m.AvgLoser, m.ProfitFactor, m.TotalPnL,
		m.AvgDaysHeldWinners, m.AvgDaysHeldLosers,
		m.AvgIVRankWinners, m.AvgIVRankLosers,
	).Scan(&m.ID, &m.CalculatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert performance metric: %w", err)
	}
	return nil
}

// LatestMetric returns the current performance metric for an account.
func (r *Repository) LatestMetric(ctx context.Context, account string) (*PerformanceMetric, error) {
	var m PerformanceMetric
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, account, total_trades, winning_trades, losing_trades,
		       win_rate, avg_winner, avg_loser, profit_factor, total_pnl,
		       avg_days_held_winners, avg_days_held_losers,
		       avg_iv_rank_winners, avg_iv_rank_losers, calculated_at
		FROM performance_metrics
		WHERE account = $1
		ORDER BY calculated_at DESC
		LIMIT 1`,
		account,
	).Scan(
		&m.ID, &m.Account, &m.TotalTrades, &m.WinningTrades, &m.LosingTrades,
		&m.WinRate, &m.AvgWinner, &m.AvgLoser, &m.ProfitFactor, &m.TotalPnL,
		&m.AvgDaysHeldWinners, &m.AvgDaysHeldLosers,
		&m.AvgIVRankWinners, &m.AvgIVRankLosers, &m.CalculatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMetrics
		}
		return nil, fmt.Errorf("failed to get performance metric: %w", err)
	}
	return &m, nil
}
