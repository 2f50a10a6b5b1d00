package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"options-trade-tracker/config"
	"options-trade-tracker/internal/api"
	"options-trade-tracker/internal/brokerage"
	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/detector"
	"options-trade-tracker/internal/journal"
	"options-trade-tracker/internal/learning"
	"options-trade-tracker/internal/lossmonitor"
	"options-trade-tracker/internal/matcher"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	serve := flag.Bool("serve", false, "run the read-only HTTP API after the reconciliation pass")
	skipLearning := flag.Bool("skip-learning", false, "skip the learning analysis after reconciliation")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, falling back to in-process locks and caches")
		}
	}

	repo := database.NewRepository(db, logger)
	broker := brokerage.NewTastytradeClient(cfg.Brokerage, logger)
	locker := database.NewRunLocker(redisClient, logger)
	marks := database.NewMarkCache(redisClient, logger)

	j := journal.New(repo, cfg.Journal, logger)
	m := matcher.New(repo, cfg.Matcher, logger)
	monitor := lossmonitor.New(repo, marks, cfg.LossMonitor, logger)
	analyzer := learning.New(repo, cfg.Learning, logger)
	d := detector.New(broker, repo, j, m, monitor, locker, marks, cfg.Detector, logger)

	accounts := cfg.Accounts
	if len(accounts) == 0 {
		accounts, err = broker.GetAccounts(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to discover accounts")
		}
	}
	if len(accounts) == 0 {
		logger.Fatal().Msg("No accounts to reconcile")
	}

	now := time.Now().UTC()
	for _, account := range accounts {
		runAccount(ctx, logger, d, analyzer, account, now, *skipLearning)
	}

	if !*serve {
		return
	}

	server := api.NewServer(repo, monitor, cfg.Server, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("API server stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server cleanly")
	}
	logger.Info().Msg("Shutdown complete")
}

// runAccount executes the reconciliation pass and learning analysis
// for one account. Failures are logged per account so one bad account
// does not block the rest.
func runAccount(ctx context.Context, logger zerolog.Logger, d *detector.Detector,
	analyzer *learning.Analyzer, account string, now time.Time, skipLearning bool) {

	report, err := d.Run(ctx, account, now)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrRunInProgress):
			logger.Warn().Str("account", account).Msg("Another run holds the lock, skipping account")
		case errors.Is(err, brokerage.ErrUnavailable):
			logger.Warn().Str("account", account).Err(err).Msg("Brokerage unavailable, nothing persisted")
		case errors.Is(err, journal.ErrDataInvariant):
			logger.Error().Str("account", account).Err(err).Msg("Journal state is inconsistent, run halted")
		default:
			logger.Error().Str("account", account).Err(err).Msg("Reconciliation run failed")
		}
		return
	}

	if report.Baseline {
		logger.Info().Str("account", account).Int("positions", report.Positions).
			Msg("Baseline established, events start next run")
		return
	}

	if report.LossReport != nil && report.LossReport.Critical > 0 {
		logger.Warn().Str("account", account).
			Int("critical", report.LossReport.Critical).
			Msg("Open trades need immediate attention")
	}

	if skipLearning {
		return
	}

	analysis, err := analyzer.Analyze(ctx, account, now)
	if err != nil {
		logger.Error().Str("account", account).Err(err).Msg("Learning analysis failed")
		return
	}
	if !analysis.Sufficient {
		return
	}
	if err := analyzer.Persist(ctx, analysis); err != nil {
		logger.Error().Str("account", account).Err(err).Msg("Failed to persist learning output")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
