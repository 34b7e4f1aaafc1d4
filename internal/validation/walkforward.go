// Package validation is the thin outer layer over internal/backtester: it
// runs the backtest once per rolling in-sample/out-of-sample window for
// walk-forward analysis, and for Monte Carlo analysis it bootstraps the
// returns of one completed run without running the backtest again. It
// imports internal/backtester; the core never imports it back.
package validation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// WalkForwardRunner rolls a fixed-length window across a backtest's date
// range, running the same strategy configuration on each window's in-sample
// and out-of-sample halves and comparing them. This runner never searches
// a parameter grid — spec.md places the optimization harness itself out
// of scope — it only measures whether one fixed configuration's
// performance holds up out of sample.
type WalkForwardRunner struct {
	logger *zap.Logger
	source backtester.BarSource
}

// NewWalkForwardRunner builds a runner against source, the same BarSource a
// direct RunBacktest call would use.
func NewWalkForwardRunner(logger *zap.Logger, source backtester.BarSource) *WalkForwardRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalkForwardRunner{logger: logger, source: source}
}

// Run slides a WindowDays-wide in-sample window and a StepDays-wide
// out-of-sample window across [cfg.StartDate, cfg.EndDate), advancing by
// StepDays each iteration, until fewer than MinSamples days remain. Each
// window runs cfg unchanged except for its date bounds.
func (r *WalkForwardRunner) Run(ctx context.Context, cfg types.BacktestConfig, wf types.WalkForwardConfig) (*types.WalkForwardResult, error) {
	if wf.WindowDays <= 0 {
		return nil, fmt.Errorf("%w: walk_forward.window_days must be positive", types.ErrInvalidConfig)
	}
	if wf.StepDays <= 0 {
		return nil, fmt.Errorf("%w: walk_forward.step_days must be positive", types.ErrInvalidConfig)
	}

	windowDur := time.Duration(wf.WindowDays) * 24 * time.Hour
	stepDur := time.Duration(wf.StepDays) * 24 * time.Hour
	minSamples := wf.MinSamples
	if minSamples <= 0 {
		minSamples = 1
	}

	minOOSDur := time.Duration(minSamples) * 24 * time.Hour

	var windows []types.WalkForwardWindow
	cursor := cfg.StartDate

	for fold := 0; ; fold++ {
		isStart := cursor
		isEnd := isStart.Add(windowDur)
		if isEnd.After(cfg.EndDate) {
			break // remaining range can't fill another in-sample window
		}

		oosStart := isEnd
		oosEnd := oosStart.Add(stepDur)
		if oosEnd.After(cfg.EndDate) {
			oosEnd = cfg.EndDate
		}
		if oosEnd.Sub(oosStart) < minOOSDur {
			break // not enough out-of-sample bars left to bother
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		r.logger.Info("walk-forward window",
			zap.Int("fold", fold+1),
			zap.Time("is_start", isStart), zap.Time("is_end", isEnd),
			zap.Time("oos_start", oosStart), zap.Time("oos_end", oosEnd),
		)

		isMetrics, err := r.runWindow(ctx, cfg, fmt.Sprintf("%s-wf%d-is", cfg.ID, fold+1), isStart, isEnd)
		if err != nil {
			return nil, fmt.Errorf("in-sample window %d: %w", fold+1, err)
		}
		oosMetrics, err := r.runWindow(ctx, cfg, fmt.Sprintf("%s-wf%d-oos", cfg.ID, fold+1), oosStart, oosEnd)
		if err != nil {
			return nil, fmt.Errorf("out-of-sample window %d: %w", fold+1, err)
		}

		windows = append(windows, types.WalkForwardWindow{
			InSampleStart:    isStart,
			InSampleEnd:      isEnd,
			OutSampleStart:   oosStart,
			OutSampleEnd:     oosEnd,
			InSampleMetrics:  isMetrics,
			OutSampleMetrics: oosMetrics,
		})

		cursor = cursor.Add(stepDur)
	}

	if len(windows) == 0 {
		return &types.WalkForwardResult{Windows: windows}, nil
	}

	return &types.WalkForwardResult{
		Windows:        windows,
		OverallMetrics: averageOutSampleMetrics(windows),
		Robustness:     robustnessScore(windows),
	}, nil
}

func (r *WalkForwardRunner) runWindow(ctx context.Context, cfg types.BacktestConfig, id string, start, end time.Time) (*types.PerformanceMetrics, error) {
	windowCfg := cfg
	windowCfg.ID = id
	windowCfg.StartDate = start
	windowCfg.EndDate = end

	strat := strategy.NewRegimeStrategy(r.logger, id, windowCfg)
	result, err := backtester.RunBacktest(ctx, r.logger, windowCfg, r.source, strat, nil)
	if err != nil {
		return nil, err
	}
	return result.SummaryMetrics, nil
}

// averageOutSampleMetrics reduces every window's out-of-sample metrics to a
// single mean, the simplest useful summary of "how did this configuration do
// across the out-of-sample periods taken together".
func averageOutSampleMetrics(windows []types.WalkForwardWindow) *types.PerformanceMetrics {
	n := float64(len(windows))
	if n == 0 {
		return &types.PerformanceMetrics{}
	}

	var totalReturn, cagr, vol, sharpe, sortino, maxDD, calmar, winRate, profitFactor float64
	var totalTrades, winningTrades, losingTrades int

	for _, w := range windows {
		m := w.OutSampleMetrics
		if m == nil {
			continue
		}
		totalReturn += toFloat(m.TotalReturn)
		cagr += toFloat(m.CAGR)
		vol += toFloat(m.AnnualVolatility)
		sharpe += toFloat(m.Sharpe)
		sortino += toFloat(m.Sortino)
		maxDD += toFloat(m.MaxDrawdown)
		calmar += toFloat(m.Calmar)
		winRate += toFloat(m.WinRate)
		profitFactor += toFloat(m.ProfitFactor)
		totalTrades += m.TotalTrades
		winningTrades += m.WinningTrades
		losingTrades += m.LosingTrades
	}

	return &types.PerformanceMetrics{
		TotalReturn:      fromFloat(totalReturn / n),
		CAGR:             fromFloat(cagr / n),
		AnnualVolatility: fromFloat(vol / n),
		Sharpe:           fromFloat(sharpe / n),
		Sortino:          fromFloat(sortino / n),
		MaxDrawdown:      fromFloat(maxDD / n),
		Calmar:           fromFloat(calmar / n),
		WinRate:          fromFloat(winRate / n),
		ProfitFactor:     fromFloat(profitFactor / n),
		TotalTrades:      totalTrades,
		WinningTrades:    winningTrades,
		LosingTrades:     losingTrades,
	}
}

// robustnessScore averages each window's in-sample-vs-out-of-sample Sharpe
// degradation and inverts it to a 0..1 score where 1 means
// out-of-sample performance fully matched in-sample.
func robustnessScore(windows []types.WalkForwardWindow) decimal.Decimal {
	var total float64
	var counted int

	for _, w := range windows {
		if w.InSampleMetrics == nil || w.OutSampleMetrics == nil {
			continue
		}
		isSharpe := toFloat(w.InSampleMetrics.Sharpe)
		if isSharpe == 0 {
			continue
		}
		oosSharpe := toFloat(w.OutSampleMetrics.Sharpe)
		degradation := (isSharpe - oosSharpe) / math.Abs(isSharpe)
		total += degradation
		counted++
	}

	if counted == 0 {
		return fromFloat(0)
	}
	avgDegradation := total / float64(counted)
	robustness := 1 - avgDegradation
	if robustness < 0 {
		robustness = 0
	}
	if robustness > 1 {
		robustness = 1
	}
	return fromFloat(robustness)
}
