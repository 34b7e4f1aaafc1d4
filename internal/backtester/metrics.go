// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// MetricsCalculator computes the summary performance figures spec.md
// §4.7 requires from a completed run's equity series and trade ledger.
type MetricsCalculator struct {
	logger *zap.Logger
}

// NewMetricsCalculator creates a new metrics calculator.
func NewMetricsCalculator(logger *zap.Logger) *MetricsCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsCalculator{logger: logger}
}

// Calculate computes all performance metrics from the equity snapshot
// series and the trade ledger. riskFreeRateAnnual parameterizes the
// Sharpe ratio, unlike the teacher's hardcoded 0%.
func (mc *MetricsCalculator) Calculate(equitySeries []types.Snapshot, tradeLedger []types.Fill, initialCapital, riskFreeRateAnnual decimal.Decimal) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}
	if len(equitySeries) == 0 {
		return metrics
	}

	var winningTrades, losingTrades int
	var totalWins, totalLosses decimal.Decimal
	for _, fill := range tradeLedger {
		if fill.Rejected || fill.Side != types.OrderSideSell {
			continue
		}
		switch {
		case fill.PnL.GreaterThan(decimal.Zero):
			winningTrades++
			totalWins = totalWins.Add(fill.PnL)
		case fill.PnL.LessThan(decimal.Zero):
			losingTrades++
			totalLosses = totalLosses.Add(fill.PnL.Abs())
		}
	}
	metrics.TotalTrades = winningTrades + losingTrades
	metrics.WinningTrades = winningTrades
	metrics.LosingTrades = losingTrades
	if metrics.TotalTrades > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(winningTrades)).Div(decimal.NewFromInt(int64(metrics.TotalTrades)))
	}
	if !totalLosses.IsZero() {
		metrics.ProfitFactor = totalWins.Div(totalLosses)
	}

	finalEquity := equitySeries[len(equitySeries)-1].Equity
	if !initialCapital.IsZero() {
		metrics.TotalReturn = finalEquity.Sub(initialCapital).Div(initialCapital)
	}

	years := yearsSpanned(equitySeries[0].Timestamp, equitySeries[len(equitySeries)-1].Timestamp)
	if years > 0 && initialCapital.IsPositive() && finalEquity.IsPositive() {
		ratio, _ := finalEquity.Div(initialCapital).Float64()
		cagr := math.Pow(ratio, 1/years) - 1
		metrics.CAGR = decimal.NewFromFloat(cagr)
	}

	returns := dailyReturns(equitySeries)
	if len(returns) > 1 {
		avg := mean(returns)
		sd := stdDev(returns, avg)
		metrics.AnnualVolatility = decimal.NewFromFloat(sd * math.Sqrt(252))

		if sd > 0 {
			rfDaily, _ := riskFreeRateAnnual.Div(decimal.NewFromInt(252)).Float64()
			sharpe := (avg - rfDaily) / sd * math.Sqrt(252)
			metrics.Sharpe = decimal.NewFromFloat(sharpe)
		}
		downside := downsideDeviation(returns)
		if downside > 0 {
			rfDaily, _ := riskFreeRateAnnual.Div(decimal.NewFromInt(252)).Float64()
			sortino := (avg - rfDaily) / downside * math.Sqrt(252)
			metrics.Sortino = decimal.NewFromFloat(sortino)
		}

		sorted := append([]float64(nil), returns...)
		sort.Float64s(sorted)
		idx95 := int(float64(len(sorted)) * 0.05)
		if idx95 >= 0 && idx95 < len(sorted) {
			metrics.VaR95 = decimal.NewFromFloat(-sorted[idx95])
		}
		if idx95 > 0 {
			var sum float64
			for i := 0; i < idx95; i++ {
				sum += sorted[i]
			}
			metrics.CVaR95 = decimal.NewFromFloat(-sum / float64(idx95))
		}
	}

	maxDD, maxDDAt := maxDrawdown(equitySeries)
	metrics.MaxDrawdown = maxDD
	metrics.MaxDrawdownAt = maxDDAt
	if !metrics.MaxDrawdown.IsZero() && !metrics.CAGR.IsZero() {
		metrics.Calmar = metrics.CAGR.Div(metrics.MaxDrawdown)
	}

	return metrics
}

// CalculateRiskMetrics computes the standalone risk figures the
// validation layer reuses for distributional reporting across
// resampled runs.
func (mc *MetricsCalculator) CalculateRiskMetrics(equitySeries []types.Snapshot) *types.RiskMetrics {
	metrics := &types.RiskMetrics{}
	returns := dailyReturns(equitySeries)
	if len(returns) == 0 {
		return metrics
	}
	avg := mean(returns)
	sd := stdDev(returns, avg)
	metrics.DailyVolatility = decimal.NewFromFloat(sd)
	metrics.AnnualVolatility = decimal.NewFromFloat(sd * math.Sqrt(252))

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx95 := int(float64(len(sorted)) * 0.05)
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx95 >= 0 && idx95 < len(sorted) {
		metrics.VaR95 = decimal.NewFromFloat(-sorted[idx95])
	}
	if idx99 >= 0 && idx99 < len(sorted) {
		metrics.VaR99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		metrics.CVaR95 = decimal.NewFromFloat(-sum / float64(idx95))
	}
	return metrics
}

func dailyReturns(equitySeries []types.Snapshot) []float64 {
	if len(equitySeries) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equitySeries)-1)
	for i := 1; i < len(equitySeries); i++ {
		prev := equitySeries[i-1].Equity
		curr := equitySeries[i].Equity
		if prev.IsZero() {
			continue
		}
		ret, _ := curr.Sub(prev).Div(prev).Float64()
		returns = append(returns, ret)
	}
	return returns
}

func maxDrawdown(equitySeries []types.Snapshot) (decimal.Decimal, time.Time) {
	var maxDD decimal.Decimal
	var maxDDAt time.Time
	peak := equitySeries[0].Equity
	for _, snap := range equitySeries {
		if snap.Equity.GreaterThan(peak) {
			peak = snap.Equity
		}
		dd := types.Drawdown(snap.Equity, peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
			maxDDAt = snap.Timestamp
		}
	}
	return maxDD, maxDDAt
}

func yearsSpanned(start, end time.Time) float64 {
	return end.Sub(start).Hours() / 24 / 365.25
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, avg float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDev(negative, mean(negative))
}
