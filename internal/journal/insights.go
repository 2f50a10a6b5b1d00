package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"options-trade-tracker/internal/database"
)

// Insight type constants
const (
	InsightTypeWinner = "winner"
	InsightTypeLoser  = "loser"
)

// buildCloseInsight derives the close-time insight for a trade,
// comparing its entry IV rank and holding period against the account's
// historical winner/loser averages when available.
func (j *Journal) buildCloseInsight(ctx context.Context, trade *database.Trade) (*database.Insight, error) {
	pnl := *trade.RealizedPnL
	won := pnl.IsPositive()

	insightType := InsightTypeLoser
	if won {
		insightType = InsightTypeWinner
	}

	metric, err := j.repo.LatestMetric(ctx, trade.Account)
	if err != nil && !errors.Is(err, database.ErrNoMetrics) {
		return nil, err
	}

	description := j.describeClose(trade, won, metric)

	payload := map[string]any{
		"trade_id":     trade.ID,
		"realized_pnl": pnl.String(),
	}
	if trade.IVRankAtEntry != nil {
		payload["iv_rank_at_entry"] = *trade.IVRankAtEntry
	}
	if trade.DaysHeld != nil {
		payload["days_held"] = *trade.DaysHeld
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode insight data: %w", err)
	}

	return &database.Insight{
		Account:     trade.Account,
		TradeID:     &trade.ID,
		InsightType: insightType,
		Description: description,
		Data:        data,
	}, nil
}

func (j *Journal) describeClose(trade *database.Trade, won bool, metric *database.PerformanceMetric) string {
	ivRank := trade.IVRankAtEntry
	daysHeld := 0
	if trade.DaysHeld != nil {
		daysHeld = *trade.DaysHeld
	}

	// With history, compare against the relevant cohort average.
	if metric != nil && ivRank != nil {
		if won && metric.AvgIVRankWinners != nil {
			return fmt.Sprintf("won with entry IV rank %.1f%% vs %.1f%% winner average, held %d days",
				*ivRank, *metric.AvgIVRankWinners, daysHeld)
		}
		if !won && metric.AvgIVRankLosers != nil {
			return fmt.Sprintf("lost with entry IV rank %.1f%% vs %.1f%% loser average, held %d days",
				*ivRank, *metric.AvgIVRankLosers, daysHeld)
		}
	}

	// Without history, fall back to the single-trade heuristics.
	if won {
		if trade.MaxProfitPct != nil && *trade.MaxProfitPct >= j.cfg.ProfitRulePct {
			return fmt.Sprintf("followed the %.0f%% rule: closed at %.1f%% of max profit",
				j.cfg.ProfitRulePct, *trade.MaxProfitPct)
		}
		if ivRank != nil && *ivRank > 60 {
			return fmt.Sprintf("high IV rank (%.1f%%) contributed to success", *ivRank)
		}
		return fmt.Sprintf("winner after %d days held", daysHeld)
	}

	if ivRank != nil && *ivRank < 40 {
		return fmt.Sprintf("low IV rank (%.1f%%) may have caused failure", *ivRank)
	}
	if daysHeld < 7 {
		return fmt.Sprintf("held only %d days, may have exited too early", daysHeld)
	}
	return fmt.Sprintf("loser after %d days held", daysHeld)
}
