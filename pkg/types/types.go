// Package types provides shared type definitions for the backtesting core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Timeframe represents trading timeframes. The config default is the
// daily resolution, but the core runs on whichever one the config names
// (the generated sample data is hourly).
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// OHLCV is a single candlestick as produced by the Data Handler. Bars are
// immutable once emitted; (Symbol, Timeframe, Timestamp) is unique.
type OHLCV struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks the OHLC/volume invariants a well-formed bar must satisfy.
func (b OHLCV) Validate() error {
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) || b.Low.GreaterThan(b.High) {
		return ErrDataCorrupt
	}
	if b.Open.GreaterThan(b.High) || b.Close.GreaterThan(b.High) {
		return ErrDataCorrupt
	}
	if b.Volume.IsNegative() {
		return ErrDataCorrupt
	}
	return nil
}

// TrendState is the structural/Kalman-derived trend leg of a regime cell.
type TrendState string

const (
	TrendBullStrong TrendState = "bull_strong"
	TrendSideways   TrendState = "sideways"
	TrendBearStrong TrendState = "bear_strong"
)

// VolState is the hysteretic volatility leg of a regime cell.
type VolState string

const (
	VolLow  VolState = "low"
	VolHigh VolState = "high"
)

// Cell is a regime cell in {1..6}, the cross of TrendState and VolState.
type Cell int

const (
	CellUndefined Cell = 0 // before warmup completes
	Cell1         Cell = 1 // BullStrong, Low
	Cell2         Cell = 2 // BullStrong, High
	Cell3         Cell = 3 // Sideways, Low
	Cell4         Cell = 4 // Sideways, High
	Cell5         Cell = 5 // BearStrong, Low
	Cell6         Cell = 6 // BearStrong, High
)

// CellFor maps a (trend, vol) pair to its numbered cell.
func CellFor(trend TrendState, vol VolState) Cell {
	switch trend {
	case TrendBullStrong:
		if vol == VolLow {
			return Cell1
		}
		return Cell2
	case TrendSideways:
		if vol == VolLow {
			return Cell3
		}
		return Cell4
	case TrendBearStrong:
		if vol == VolLow {
			return Cell5
		}
		return Cell6
	default:
		return CellUndefined
	}
}

// Position represents a single-symbol long holding. The core is long-only;
// Quantity never goes negative.
type Position struct {
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"averageEntryPrice"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	OpenedAt          time.Time       `json:"openedAt"`
}

// MarketValue returns quantity * current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// UnrealizedPnL returns quantity * (current price - average entry price).
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice.Sub(p.AverageEntryPrice))
}

// SignalKind represents the kind of a strategy-emitted signal.
type SignalKind string

const (
	SignalBuy             SignalKind = "BUY"
	SignalSell            SignalKind = "SELL"
	SignalBuyPercent      SignalKind = "BUY_PERCENT"
	SignalSellPercent     SignalKind = "SELL_PERCENT"
	SignalRebalanceWeight SignalKind = "REBALANCE_TO_WEIGHT"
)

// Signal represents a strategy's intent to trade, per spec.md §3. Unlike a
// live-trading signal it carries no price or confidence: the simulator
// always fills at the bar's close, adjusted for slippage.
type Signal struct {
	Symbol            string          `json:"symbol"`
	Kind              SignalKind      `json:"kind"`
	QuantityOrPercent decimal.Decimal `json:"quantityOrPercent"`
	SourceStrategy    string          `json:"sourceStrategy"`
}

// RejectReason enumerates why the simulator refused to execute a signal.
type RejectReason string

const (
	RejectNone                RejectReason = ""
	RejectInsufficientCash    RejectReason = "insufficient_cash"
	RejectInsufficientHolding RejectReason = "insufficient_holding"
	RejectZeroQuantity        RejectReason = "zero_quantity"
)

// Fill is the post-execution record of a signal, successful or rejected. A
// rejected fill carries Rejected=true and a RejectReason; it never mutates
// the portfolio.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	FillPrice  decimal.Decimal `json:"fillPrice"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	Timestamp  time.Time       `json:"timestamp"`
	BarIndex   int             `json:"barIndex"`
	Rejected   bool            `json:"rejected"`
	Reason     RejectReason    `json:"reason,omitempty"`
	PnL        decimal.Decimal `json:"pnl,omitempty"`
}

// Portfolio represents the current portfolio state.
type Portfolio struct {
	Cash      decimal.Decimal      `json:"cash"`
	Equity    decimal.Decimal      `json:"equity"`
	Positions map[string]*Position `json:"positions"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Snapshot is the per-bar record of portfolio and regime state, captured
// before that bar's close marks positions to market (spec.md §4.6 step 2d).
type Snapshot struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Equity         decimal.Decimal            `json:"equity"`
	Cash           decimal.Decimal            `json:"cash"`
	PositionsValue decimal.Decimal            `json:"positionsValue"`
	Cell           Cell                       `json:"cell"`
	TrendState     TrendState                 `json:"trendState"`
	VolState       VolState                   `json:"volState"`
	TargetWeights  map[string]decimal.Decimal `json:"targetWeights,omitempty"`
}

// Drawdown returns (peak-equity - equity) / peak-equity given the running
// peak; callers track the peak across the series.
func Drawdown(equity, peak decimal.Decimal) decimal.Decimal {
	if peak.IsZero() {
		return decimal.Zero
	}
	return peak.Sub(equity).Div(peak)
}

// PositionState is the persisted shape of a single symbol's holding.
type PositionState struct {
	Quantity decimal.Decimal `json:"qty"`
	AvgEntry decimal.Decimal `json:"avg_entry"`
}

// StrategyState is the externally-queryable and persistable state a
// RegimeStrategy owns between bars, per spec.md §3/§6.
type StrategyState struct {
	SchemaVersion     int                        `json:"schema_version"`
	StrategyID        string                     `json:"strategy_id"`
	LastBarTimestamp  time.Time                  `json:"last_bar_ts"`
	CurrentCell       Cell                       `json:"current_cell"`
	TrendState        TrendState                 `json:"trend_state"`
	VolState          VolState                   `json:"vol_state"`
	VolCrushCooldown  int                        `json:"vol_crush_cooldown"`
	Cell1ExitCounter  int                        `json:"cell1_exit_counter"`
	Cash              decimal.Decimal            `json:"cash"`
	Positions         map[string]PositionState   `json:"positions"`
	LastTargetWeights map[string]decimal.Decimal `json:"last_target_weights"`
}

// CurrentStrategyStateSchemaVersion is bumped whenever the persisted layout
// in spec.md §6 changes shape. A missing VolCrushCooldown on load means
// "override did not fire"; a missing Cell1ExitCounter means "counter at zero" —
// both are safe zero values, so older documents stay loadable.
const CurrentStrategyStateSchemaVersion = 1

// PerformanceMetrics summarizes the outputs spec.md §4.7 requires.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	CAGR             decimal.Decimal `json:"cagr"`
	AnnualVolatility decimal.Decimal `json:"annualVolatility"`
	Sharpe           decimal.Decimal `json:"sharpe"`
	Sortino          decimal.Decimal `json:"sortino"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownAt    time.Time       `json:"maxDrawdownAt"`
	Calmar           decimal.Decimal `json:"calmar"`
	VaR95            decimal.Decimal `json:"var95"`
	CVaR95           decimal.Decimal `json:"cvar95"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
}

// RiskMetrics carries the supplemental risk figures surfaced by the
// validation layer's resampling (VaR/CVaR are also part of
// PerformanceMetrics; this is reused by internal/validation for
// distributional reporting across resampled runs).
type RiskMetrics struct {
	VaR95            decimal.Decimal `json:"var95"`
	VaR99            decimal.Decimal `json:"var99"`
	CVaR95           decimal.Decimal `json:"cvar95"`
	DailyVolatility  decimal.Decimal `json:"dailyVolatility"`
	AnnualVolatility decimal.Decimal `json:"annualVolatility"`
}

// RegimeRecord is one entry of the regime occupancy series returned
// alongside the equity curve.
type RegimeRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	Cell       Cell       `json:"cell"`
	TrendState TrendState `json:"trendState"`
	VolState   VolState   `json:"volState"`
}

// BacktestResult is what RunBacktest returns, per spec.md §6.
type BacktestResult struct {
	EquitySeries    []Snapshot           `json:"equitySeries"`
	TradeLedger     []Fill               `json:"tradeLedger"`
	RegimeSeries    []RegimeRecord       `json:"regimeSeries"`
	FinalPositions  map[string]*Position `json:"finalPositions"`
	FinalCash       decimal.Decimal      `json:"finalCash"`
	SummaryMetrics  *PerformanceMetrics  `json:"summaryMetrics"`
	Cancelled       bool                 `json:"cancelled"`
	EventsProcessed int                  `json:"eventsProcessed"`
}

// MonteCarloResult represents Monte Carlo trade-resampling results,
// produced by internal/validation, not the core.
type MonteCarloResult struct {
	Iterations      int               `json:"iterations"`
	MedianReturn    decimal.Decimal   `json:"medianReturn"`
	P5Return        decimal.Decimal   `json:"p5Return"`
	P95Return       decimal.Decimal   `json:"p95Return"`
	ProbabilityRuin decimal.Decimal   `json:"probabilityRuin"`
	MaxDrawdownP95  decimal.Decimal   `json:"maxDrawdownP95"`
	Distribution    []decimal.Decimal `json:"distribution"`
}

// WalkForwardResult represents walk-forward analysis results, produced by
// internal/validation, not the core.
type WalkForwardResult struct {
	Windows        []WalkForwardWindow `json:"windows"`
	OverallMetrics *PerformanceMetrics `json:"overallMetrics"`
	Robustness     decimal.Decimal    `json:"robustness"`
}

// WalkForwardWindow represents a single walk-forward window.
type WalkForwardWindow struct {
	InSampleStart    time.Time           `json:"inSampleStart"`
	InSampleEnd      time.Time           `json:"inSampleEnd"`
	OutSampleStart   time.Time           `json:"outSampleStart"`
	OutSampleEnd     time.Time           `json:"outSampleEnd"`
	InSampleMetrics  *PerformanceMetrics `json:"inSampleMetrics"`
	OutSampleMetrics *PerformanceMetrics `json:"outSampleMetrics"`
}
