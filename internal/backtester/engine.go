// Package backtester implements the portfolio simulator and the
// synchronous per-bar event loop that drives it.
package backtester

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// BarSource supplies the fully ordered bar stream a backtest run
// consumes: ascending timestamp, ties across symbols broken by a stable
// symbol ordering, per spec.md §4.1. The core never reaches into a
// concrete data store directly — it's handed bars through this
// interface, the same shape as the teacher's DataLoader abstraction.
//
// History is the Data Handler's bounded-lookback operation, per
// spec.md §6: the only permitted way to look backward from a point in
// time, refusing to return any bar strictly later than cutoff. The
// event loop itself never looks backward — bars arrive through
// LoadBars in forward order — but orchestration collaborators (the
// HTTP API) use it directly against the same BarSource a run was
// given.
type BarSource interface {
	LoadBars(ctx context.Context, cfg types.BacktestConfig) ([]types.OHLCV, error)
	History(symbol string, timeframe types.Timeframe, cutoff time.Time, maxCount int) ([]types.OHLCV, error)
}

// RunBacktest drives strat over every bar source yields, executing its
// signals against a simulated Portfolio and recording one Snapshot per
// bar, per spec.md §4.6's event loop:
//
//  1. deliver the bar to the strategy (feeding its indicator/regime
//     buffers even before warmup completes, since the library's own
//     warmup sentinels gate whether a cell/signal is actually produced)
//  2. once bars_processed >= strat.WarmupBars(), act on any signals
//     the strategy returns, sells before buys
//  3. snapshot portfolio + regime state BEFORE marking this bar's
//     close to open positions
//  4. mark this bar's close to market
//
// A context cancellation mid-run returns the partial result built so
// far alongside types.ErrCancelled, with all positions liquidated at
// their last marked price.
//
// rec may be nil; every Recorder method is then a no-op, so callers
// that don't care about metrics pass nil rather than a disabled stub.
func RunBacktest(ctx context.Context, logger *zap.Logger, cfg types.BacktestConfig, source BarSource, strat strategy.Strategy, rec *telemetry.Recorder) (*types.BacktestResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bars, err := source.LoadBars(ctx, cfg)
	if err != nil {
		return nil, err
	}

	portfolio := NewPortfolio(cfg.InitialCapital)
	execCfg := ExecutionConfig{
		CommissionPerShare: cfg.Execution.CommissionPerShare,
		SlippagePercent:    cfg.Execution.SlippagePercent,
	}
	warmup := strat.WarmupBars()
	lastPrice := make(map[string]decimal.Decimal)

	result := &types.BacktestResult{
		EquitySeries: make([]types.Snapshot, 0, len(bars)),
		TradeLedger:  make([]types.Fill, 0),
		RegimeSeries: make([]types.RegimeRecord, 0, len(bars)),
	}

	started := time.Now()
	barsProcessed := 0
	prevCell := types.Cell(-1)
	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			result.EventsProcessed = barsProcessed
			finalizeCancelled(portfolio, result)
			return result, types.ErrCancelled
		}
		if err := bar.Validate(); err != nil {
			return nil, err
		}

		lastPrice[bar.Symbol] = bar.Close
		barsProcessed++
		rec.BarProcessed()

		signals, err := strat.OnBar(bar)
		if err != nil {
			return nil, err
		}

		if barsProcessed >= warmup && len(signals) > 0 {
			executeSignals(portfolio, signals, lastPrice, execCfg, bar, barsProcessed, &result.TradeLedger, rec)
		}

		state := strat.CurrentState()
		if prevCell >= 0 && state.CurrentCell != prevCell {
			rec.RegimeTransition()
		}
		prevCell = state.CurrentCell
		equityBeforeMark := portfolio.Equity()
		result.EquitySeries = append(result.EquitySeries, types.Snapshot{
			Timestamp:      bar.Timestamp,
			Equity:         equityBeforeMark,
			Cash:           portfolio.Cash(),
			PositionsValue: equityBeforeMark.Sub(portfolio.Cash()),
			Cell:           state.CurrentCell,
			TrendState:     state.TrendState,
			VolState:       state.VolState,
			TargetWeights:  state.LastTargetWeights,
		})
		result.RegimeSeries = append(result.RegimeSeries, types.RegimeRecord{
			Timestamp:  bar.Timestamp,
			Cell:       state.CurrentCell,
			TrendState: state.TrendState,
			VolState:   state.VolState,
		})

		portfolio.MarkToMarket(map[string]decimal.Decimal{bar.Symbol: bar.Close})
	}

	result.EventsProcessed = barsProcessed
	result.FinalPositions = portfolio.Positions()
	result.FinalCash = portfolio.Cash()

	calc := NewMetricsCalculator(logger)
	result.SummaryMetrics = calc.Calculate(result.EquitySeries, result.TradeLedger, cfg.InitialCapital, cfg.Analytics.RiskFreeRateAnnual)

	rec.ObserveRunDuration(time.Since(started).Seconds())
	return result, nil
}

// executeSignals resolves each signal's side against its own symbol's
// last known close, sorts sells before buys so rebalancing reductions
// free cash before the corresponding additions execute, and appends
// every resulting fill (including rejections) to the trade ledger.
func executeSignals(portfolio *Portfolio, signals []types.Signal, lastPrice map[string]decimal.Decimal, execCfg ExecutionConfig, bar types.OHLCV, barIndex int, ledger *[]types.Fill, rec *telemetry.Recorder) {
	type pending struct {
		sig   types.Signal
		price decimal.Decimal
		side  types.OrderSide
	}
	queue := make([]pending, 0, len(signals))
	for _, sig := range signals {
		price, ok := lastPrice[sig.Symbol]
		if !ok {
			continue // no price observed yet for this symbol
		}
		queue = append(queue, pending{sig: sig, price: price, side: portfolio.PeekSide(sig, price)})
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].side == types.OrderSideSell && queue[j].side != types.OrderSideSell
	})
	for _, p := range queue {
		fill := portfolio.Execute(p.sig, p.price, execCfg, bar.Timestamp, barIndex)
		*ledger = append(*ledger, fill)
		rec.FillExecuted(fill.Rejected, string(fill.Reason))
	}
}

// finalizeCancelled liquidates every open position at its last marked
// price and records the resulting terminal equity, for a run stopped
// mid-stream by context cancellation.
func finalizeCancelled(portfolio *Portfolio, result *types.BacktestResult) {
	portfolio.CloseAll()
	result.FinalPositions = portfolio.Positions()
	result.FinalCash = portfolio.Cash()
}
