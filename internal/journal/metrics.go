package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"options-trade-tracker/internal/database"
)

// recomputeMetric rebuilds the account's rolling performance aggregate
// from all previously closed trades plus the trade closing now. The
// result is appended to the metric history alongside the exit, never
// updated in place.
func (j *Journal) recomputeMetric(ctx context.Context, account string, closing *database.Trade) (*database.PerformanceMetric, error) {
	closed, err := j.repo.ClosedTrades(ctx, account)
	if err != nil {
		return nil, err
	}
	closed = append(closed, closing)

	metric := &database.PerformanceMetric{
		Account:      account,
		CalculatedAt: time.Now().UTC(),
	}

	var (
		grossWins, grossLosses decimal.Decimal
		winDays, lossDays      []float64
		winIV, lossIV          []float64
	)

	for _, t := range closed {
		// Synthetic trades carry a reconstructed zero P&L, not a real
		// outcome; they would count as losses.
		if t.Synthetic || t.RealizedPnL == nil {
			continue
		}
		pnl := *t.RealizedPnL
		metric.TotalTrades++
		metric.TotalPnL = metric.TotalPnL.Add(pnl)

		if pnl.IsPositive() {
			metric.WinningTrades++
			grossWins = grossWins.Add(pnl)
			if t.DaysHeld != nil {
				winDays = append(winDays, float64(*t.DaysHeld))
			}
			if t.IVRankAtEntry != nil {
				winIV = append(winIV, *t.IVRankAtEntry)
			}
		} else {
			metric.LosingTrades++
			grossLosses = grossLosses.Add(pnl.Abs())
			if t.DaysHeld != nil {
				lossDays = append(lossDays, float64(*t.DaysHeld))
			}
			if t.IVRankAtEntry != nil {
				lossIV = append(lossIV, *t.IVRankAtEntry)
			}
		}
	}

	if metric.TotalTrades > 0 {
		metric.WinRate = float64(metric.WinningTrades) / float64(metric.TotalTrades)
	}
	if metric.WinningTrades > 0 {
		metric.AvgWinner = grossWins.Div(decimal.NewFromInt(int64(metric.WinningTrades)))
	}
	if metric.LosingTrades > 0 {
		metric.AvgLoser = grossLosses.Div(decimal.NewFromInt(int64(metric.LosingTrades))).Neg()
	}
	if grossLosses.IsPositive() {
		pf, _ := grossWins.Div(grossLosses).Float64()
		metric.ProfitFactor = pf
	} else if grossWins.IsPositive() {
		// All winners; by convention report the gross win total.
		pf, _ := grossWins.Float64()
		metric.ProfitFactor = pf
	}

	metric.AvgDaysHeldWinners = mean(winDays)
	metric.AvgDaysHeldLosers = mean(lossDays)
	metric.AvgIVRankWinners = mean(winIV)
	metric.AvgIVRankLosers = mean(lossIV)

	return metric, nil
}

func mean(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	m := sum / float64(len(vals))
	return &m
}
