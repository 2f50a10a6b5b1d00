// Package database provides PostgreSQL persistence for snapshots, the
// trade journal, and learning output.
package database

import (
	"context"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB creates a new database connection pool
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Register shopspring decimal codecs so money columns scan directly
	// into decimal.Decimal.
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations...")

	migrations := []string{
		// Position snapshots: one header row per detector run.
		`CREATE TABLE IF NOT EXISTS snapshots (
			id UUID PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			position_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_account_taken ON snapshots(account, taken_at DESC)`,

		// Snapshot positions: one row per leg of exposure. Identity key is
		// unique within a snapshot. This doubles as the cross-run arena of
		// position records keyed by identity key and observation time.
		`CREATE TABLE IF NOT EXISTS snapshot_positions (
			id SERIAL PRIMARY KEY,
			snapshot_id UUID NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			identity_key TEXT NOT NULL,
			underlying_symbol VARCHAR(12) NOT NULL,
			instrument_kind VARCHAR(8) NOT NULL,
			expiration DATE,
			strike DECIMAL(20, 4),
			option_right VARCHAR(4) NOT NULL DEFAULT 'NONE',
			quantity DECIMAL(20, 8) NOT NULL,
			average_price DECIMAL(20, 8) NOT NULL,
			mark_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			observed_at TIMESTAMPTZ NOT NULL,
			UNIQUE (snapshot_id, identity_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_positions_key ON snapshot_positions(identity_key)`,

		// Recommendations emitted by the scanner.
		`CREATE TABLE IF NOT EXISTS recommendations (
			id SERIAL PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			symbol VARCHAR(12) NOT NULL,
			strategy VARCHAR(40) NOT NULL,
			expiration DATE,
			dte INTEGER,
			short_strike DECIMAL(20, 4),
			long_strike DECIMAL(20, 4),
			expected_credit DECIMAL(20, 8),
			recommended_quantity DECIMAL(20, 8),
			iv_rank DECIMAL(8, 2),
			reason TEXT,
			status VARCHAR(16) NOT NULL DEFAULT 'recommended',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_symbol_status ON recommendations(symbol, status)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_created ON recommendations(created_at)`,

		// The trade journal.
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			recommendation_id INTEGER REFERENCES recommendations(id),
			account VARCHAR(32) NOT NULL,
			identity_key TEXT NOT NULL,
			symbol VARCHAR(12) NOT NULL,
			strategy VARCHAR(40),
			expiration DATE,
			entry_date TIMESTAMPTZ NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			iv_rank_at_entry DECIMAL(8, 2),
			partial_realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			exit_date TIMESTAMPTZ,
			exit_price DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			days_held INTEGER,
			max_profit_pct DECIMAL(8, 2),
			close_reason VARCHAR(16),
			synthetic BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT,
			status VARCHAR(8) NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_account_status ON trades(account, status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_identity_key ON trades(identity_key)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		// At most one open trade per identity key per account. Two open
		// trades sharing a key is a data invariant violation.
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_trades_open_identity
			ON trades(account, identity_key) WHERE status = 'open'`,

		// Insights derived at close time and by the learning pass.
		`CREATE TABLE IF NOT EXISTS insights (
			id SERIAL PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			trade_id INTEGER REFERENCES trades(id),
			insight_type VARCHAR(16) NOT NULL,
			description TEXT NOT NULL,
			data JSONB,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_account ON insights(account)`,

		// Rolling performance aggregate, recomputed after every close.
		// Rows are appended so the drift stays auditable; the current
		// value is the most recent row per account.
		`CREATE TABLE IF NOT EXISTS performance_metrics (
			id SERIAL PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			total_trades INTEGER NOT NULL,
			winning_trades INTEGER NOT NULL,
			losing_trades INTEGER NOT NULL,
			win_rate DECIMAL(8, 4) NOT NULL,
			avg_winner DECIMAL(20, 8) NOT NULL,
			avg_loser DECIMAL(20, 8) NOT NULL,
			profit_factor DECIMAL(12, 4) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			avg_days_held_winners DECIMAL(8, 2),
			avg_days_held_losers DECIMAL(8, 2),
			avg_iv_rank_winners DECIMAL(8, 2),
			avg_iv_rank_losers DECIMAL(8, 2),
			calculated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_performance_metrics_account ON performance_metrics(account, calculated_at DESC)`,

		// Versioned scanner parameter revisions. Append-only: the learning
		// analyzer never rewrites history, consumers read the latest version.
		`CREATE TABLE IF NOT EXISTS parameter_revisions (
			id SERIAL PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			parameter VARCHAR(40) NOT NULL,
			old_value DECIMAL(12, 4) NOT NULL,
			new_value DECIMAL(12, 4) NOT NULL,
			justification TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (account, parameter, version)
		)`,

		// Reconciliation gaps flagged for manual review.
		`CREATE TABLE IF NOT EXISTS reconciliation_gaps (
			id SERIAL PRIMARY KEY,
			account VARCHAR(32) NOT NULL,
			identity_key TEXT NOT NULL,
			gap_kind VARCHAR(24) NOT NULL,
			details TEXT,
			trade_id INTEGER REFERENCES trades(id),
			reviewed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciliation_gaps_account ON reconciliation_gaps(account, reviewed)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed")
	return nil
}
