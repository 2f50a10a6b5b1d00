// Command analyze_trades prints a closed-trade performance report for
// one account: per-symbol stats, close-reason breakdown, and the
// learning analyzer's current view.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"options-trade-tracker/config"
	"options-trade-tracker/internal/database"
	"options-trade-tracker/internal/learning"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	account := flag.String("account", "", "account to analyze (defaults to the first configured account)")
	flag.Parse()

	godotenv.Load()
	godotenv.Load("../../.env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *account == "" && len(cfg.Accounts) > 0 {
		*account = cfg.Accounts[0]
	}
	if *account == "" {
		fmt.Fprintln(os.Stderr, "no account: pass -account or configure accounts")
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	ctx := context.Background()

	db, err := database.NewDB(cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db, logger)

	trades, err := repo.ClosedTrades(ctx, *account)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load closed trades: %v\n", err)
		os.Exit(1)
	}

	line := strings.Repeat("=", 78)
	fmt.Println(line)
	fmt.Printf("TRADE HISTORY ANALYSIS - account %s\n", *account)
	fmt.Println(line)

	if len(trades) == 0 {
		fmt.Println("No closed trades yet.")
		return
	}

	printOverview(trades)
	printBySymbol(trades)
	printByCloseReason(trades)

	analyzer := learning.New(repo, cfg.Learning, logger)
	analysis, err := analyzer.Analyze(ctx, *account, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "learning analysis failed: %v\n", err)
		os.Exit(1)
	}
	printLearning(analysis)
}

func printOverview(trades []*database.Trade) {
	var wins int
	var total, grossWins, grossLosses decimal.Decimal
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		total = total.Add(*t.RealizedPnL)
		if t.RealizedPnL.IsPositive() {
			wins++
			grossWins = grossWins.Add(*t.RealizedPnL)
		} else {
			grossLosses = grossLosses.Add(t.RealizedPnL.Abs())
		}
	}

	fmt.Printf("\nOVERVIEW\n")
	fmt.Printf("  Closed trades:  %d\n", len(trades))
	fmt.Printf("  Win rate:       %.1f%%\n", float64(wins)/float64(len(trades))*100)
	fmt.Printf("  Total P&L:      $%s\n", total.StringFixed(2))
	if grossLosses.IsPositive() {
		fmt.Printf("  Profit factor:  %s\n", grossWins.Div(grossLosses).StringFixed(2))
	}
}

func printBySymbol(trades []*database.Trade) {
	type stats struct {
		trades int
		wins   int
		pnl    decimal.Decimal
	}
	bySymbol := make(map[string]*stats)
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		s := bySymbol[t.Symbol]
		if s == nil {
			s = &stats{}
			bySymbol[t.Symbol] = s
		}
		s.trades++
		if t.RealizedPnL.IsPositive() {
			s.wins++
		}
		s.pnl = s.pnl.Add(*t.RealizedPnL)
	}

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, k int) bool {
		return bySymbol[symbols[i]].pnl.GreaterThan(bySymbol[symbols[k]].pnl)
	})

	fmt.Printf("\nBY SYMBOL\n")
	fmt.Printf("  %-8s %7s %9s %12s\n", "SYMBOL", "TRADES", "WIN RATE", "TOTAL P&L")
	for _, symbol := range symbols {
		s := bySymbol[symbol]
		fmt.Printf("  %-8s %7d %8.1f%% %12s\n",
			symbol, s.trades, float64(s.wins)/float64(s.trades)*100, "$"+s.pnl.StringFixed(2))
	}
}

func printByCloseReason(trades []*database.Trade) {
	counts := make(map[string]int)
	totals := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		reason := "unknown"
		if t.CloseReason != nil {
			reason = *t.CloseReason
		}
		counts[reason]++
		totals[reason] = totals[reason].Add(*t.RealizedPnL)
	}

	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	fmt.Printf("\nBY CLOSE REASON\n")
	for _, reason := range reasons {
		fmt.Printf("  %-12s %4d trades  $%s\n", reason, counts[reason], totals[reason].StringFixed(2))
	}
}

func printLearning(analysis *learning.Analysis) {
	fmt.Printf("\nLEARNING\n")
	if !analysis.Sufficient {
		fmt.Printf("  Sample too small (%d closed trades) for learning output.\n", analysis.SampleSize)
		return
	}

	if analysis.IVSeparation != nil {
		fmt.Printf("  IV rank separation (winners - losers): %.1f points\n", *analysis.IVSeparation)
	}
	for _, insight := range analysis.Insights {
		fmt.Printf("  - %s\n", insight)
	}
	if analysis.Adjustment != nil {
		fmt.Printf("  Recommended: %s %.0f -> %.0f (%s)\n",
			analysis.Adjustment.Parameter, analysis.Adjustment.OldValue,
			analysis.Adjustment.NewValue, analysis.Adjustment.Justification)
	}
	if len(analysis.Blacklist) > 0 {
		fmt.Printf("  Blacklist candidates: %s\n", strings.Join(analysis.Blacklist, ", "))
	}
}
