// Package strategy provides the Strategy interface and the concrete
// strategies driven by the per-bar event loop: RegimeStrategy, the
// regime-driven allocator composed of the indicator library, the regime
// classifier, and the allocation engine, plus two simpler single-symbol
// strategies adapted to the same interface.
package strategy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/allocation"
	"github.com/atlas-desktop/backtest-core/internal/indicators"
	"github.com/atlas-desktop/backtest-core/internal/regime"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Strategy is the capability set the event loop drives every bar, per
// spec.md §3/§9: warmup awareness, one signal batch per bar, and a
// persistable state so a run can resume mid-series.
type Strategy interface {
	Name() string
	WarmupBars() int
	OnBar(bar types.OHLCV) ([]types.Signal, error)
	CurrentState() types.StrategyState
	RestoreState(state types.StrategyState) error
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
	Reset()
}

// RegimeStrategy wires the indicator library, the regime classifier and
// the allocation engine together: it classifies the driving symbol's bar
// into a cell, resolves the cell to target weights, and emits
// REBALANCE_TO_WEIGHT signals when the allocation engine's gate fires.
// Only bars for the configured equity symbol drive classification; bars
// for the bond pair only feed the allocation engine's safe-haven trend
// proxy, and bars for any other symbol (such as the leveraged
// instrument) are ignored.
type RegimeStrategy struct {
	logger *zap.Logger
	id     string

	allocCfg  types.AllocationConfig
	regimeCfg regime.Config

	detector  *regime.Detector
	allocator *allocation.Engine

	primarySymbol string
	bondSymbols   []string

	lastBarTimestamp  time.Time
	previousCell      types.Cell
	lastTargetWeights map[string]decimal.Decimal
}

// NewRegimeStrategy builds a RegimeStrategy from a full BacktestConfig.
func NewRegimeStrategy(logger *zap.Logger, id string, cfg types.BacktestConfig) *RegimeStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	regimeCfg := regime.Config{
		SMAFastPeriod:        cfg.Indicators.SMAFastPeriod,
		SMASlowPeriod:        cfg.Indicators.SMASlowPeriod,
		VolatilityWindow:     cfg.Indicators.VolatilityWindow,
		ZScoreWindow:         cfg.Indicators.ZScoreWindow,
		KalmanProcessNoise:   cfg.Indicators.KalmanProcessNoise,
		KalmanObsNoise:       cfg.Indicators.KalmanObsNoise,
		TNormClip:            cfg.Indicators.TNormClip,
		TNormBullThreshold:   cfg.Regime.TNormBullThreshold,
		TNormBearThreshold:   cfg.Regime.TNormBearThreshold,
		VolHighThreshold:     cfg.Regime.VolHighThreshold,
		VolLowThreshold:      cfg.Regime.VolLowThreshold,
		VolCrushLookback:     cfg.Regime.VolCrushLookback,
		VolCrushDropFraction: cfg.Regime.VolCrushDropFraction,
		Cell1ExitConfirmBars: cfg.Regime.Cell1ExitConfirmBars,
	}
	return &RegimeStrategy{
		logger:            logger,
		id:                id,
		allocCfg:          cfg.Allocation,
		regimeCfg:         regimeCfg,
		detector:          regime.New(logger, regimeCfg),
		allocator:         allocation.New(logger, cfg.Allocation),
		primarySymbol:     cfg.Allocation.EquitySymbol,
		bondSymbols:       []string{cfg.Allocation.BondLongSymbol, cfg.Allocation.BondInverseSymbol},
		previousCell:      types.CellUndefined,
		lastTargetWeights: map[string]decimal.Decimal{},
	}
}

// Name identifies the strategy in emitted signals and persisted state.
func (s *RegimeStrategy) Name() string { return s.id }

// WarmupBars mirrors the regime classifier's own warmup requirement so
// the event loop can gate acting on OnBar's signals without reaching into
// the classifier's internals.
func (s *RegimeStrategy) WarmupBars() int {
	n := s.regimeCfg.SMASlowPeriod
	if s.regimeCfg.VolatilityWindow+s.regimeCfg.ZScoreWindow > n {
		n = s.regimeCfg.VolatilityWindow + s.regimeCfg.ZScoreWindow
	}
	return n
}

// OnBar feeds bar into the classifier (if it's the driving symbol) or
// the safe-haven trend proxy (if it's a bond symbol), and emits a
// rebalance signal batch when the allocation engine's gate fires.
func (s *RegimeStrategy) OnBar(bar types.OHLCV) ([]types.Signal, error) {
	s.lastBarTimestamp = bar.Timestamp

	for _, bond := range s.bondSymbols {
		if bond != "" && bar.Symbol == bond {
			s.allocator.ObserveBondClose(bond, bar.Close)
		}
	}

	if bar.Symbol != s.primarySymbol {
		return nil, nil
	}

	cell, err := s.detector.AddBar(bar)
	if err != nil {
		return nil, err
	}
	if cell == types.CellUndefined {
		return nil, nil
	}

	target := s.allocator.TargetWeights(cell)
	if !s.allocator.ShouldRebalance(s.previousCell, cell, s.lastTargetWeights, target) {
		s.previousCell = cell
		return nil, nil
	}

	signals := rebalanceSignals(s.id, s.lastTargetWeights, target)
	s.lastTargetWeights = target
	s.previousCell = cell
	return signals, nil
}

// rebalanceSignals emits one REBALANCE_TO_WEIGHT signal per symbol in
// the union of current and target, sorted by symbol so the emitted
// batch is deterministic; a symbol dropped from target gets an explicit
// zero-weight signal rather than being silently omitted.
func rebalanceSignals(sourceStrategy string, current, target map[string]decimal.Decimal) []types.Signal {
	seen := make(map[string]struct{}, len(current)+len(target))
	for sym := range current {
		seen[sym] = struct{}{}
	}
	for sym := range target {
		seen[sym] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	signals := make([]types.Signal, 0, len(symbols))
	for _, sym := range symbols {
		signals = append(signals, types.Signal{
			Symbol:            sym,
			Kind:              types.SignalRebalanceWeight,
			QuantityOrPercent: target[sym],
			SourceStrategy:    sourceStrategy,
		})
	}
	return signals
}

// CurrentState captures everything RegimeStrategy needs to resume
// classification deterministically, per spec.md §6. Cash and Positions
// are left at their zero values: the strategy has no view of the
// portfolio, and RunBacktest does not fill them in.
func (s *RegimeStrategy) CurrentState() types.StrategyState {
	return types.StrategyState{
		SchemaVersion:     types.CurrentStrategyStateSchemaVersion,
		StrategyID:        s.id,
		LastBarTimestamp:  s.lastBarTimestamp,
		CurrentCell:       s.previousCell,
		TrendState:        s.detector.CurrentTrendState(),
		VolState:          s.detector.CurrentVolState(),
		VolCrushCooldown:  s.detector.VolCrushCooldown(),
		Cell1ExitCounter:  s.detector.Cell1ExitCounter(),
		LastTargetWeights: copyWeights(s.lastTargetWeights),
	}
}

// RestoreState reloads hysteresis state from a persisted StrategyState,
// so classification continues from where it left off rather than
// re-deriving hysteresis from scratch on the next bar.
func (s *RegimeStrategy) RestoreState(state types.StrategyState) error {
	s.detector.RestoreHysteresis(state.TrendState, state.VolState, state.VolCrushCooldown, state.Cell1ExitCounter)
	s.previousCell = state.CurrentCell
	s.lastTargetWeights = copyWeights(state.LastTargetWeights)
	s.lastBarTimestamp = state.LastBarTimestamp
	return nil
}

// MarshalState serializes CurrentState as JSON.
func (s *RegimeStrategy) MarshalState() ([]byte, error) {
	return json.Marshal(s.CurrentState())
}

// UnmarshalState parses a persisted StrategyState document and restores
// it. Fields absent from an older schema version decode to their safe
// zero values (see types.CurrentStrategyStateSchemaVersion).
func (s *RegimeStrategy) UnmarshalState(data []byte) error {
	var state types.StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	return s.RestoreState(state)
}

// Reset clears all classifier, allocator and hysteresis state, for reuse
// across independent runs (e.g. walk-forward windows).
func (s *RegimeStrategy) Reset() {
	s.detector.Reset()
	s.allocator = allocation.New(s.logger, s.allocCfg)
	s.previousCell = types.CellUndefined
	s.lastTargetWeights = map[string]decimal.Decimal{}
	s.lastBarTimestamp = time.Time{}
}

func copyWeights(w map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(w))
	for sym, weight := range w {
		out[sym] = weight
	}
	return out
}

// MomentumStrategy is a single-symbol baseline: it buys a fixed fraction
// of equity when trailing momentum over `period` bars exceeds
// `threshold`, and sells the full position on the mirror-image signal.
// It carries no cross-symbol allocation logic and exists to exercise the
// Strategy interface with something simpler than RegimeStrategy (e.g. for
// validation-layer comparisons).
type MomentumStrategy struct {
	id        string
	period    int
	threshold decimal.Decimal
	allocFrac decimal.Decimal

	closes           []decimal.Decimal
	lastBarTimestamp time.Time
	lastSignalKind   types.SignalKind
}

// NewMomentumStrategy builds a MomentumStrategy.
func NewMomentumStrategy(id string, period int, threshold, allocFrac decimal.Decimal) *MomentumStrategy {
	return &MomentumStrategy{
		id:        id,
		period:    period,
		threshold: threshold,
		allocFrac: allocFrac,
	}
}

func (s *MomentumStrategy) Name() string    { return s.id }
func (s *MomentumStrategy) WarmupBars() int { return s.period + 1 }

func (s *MomentumStrategy) OnBar(bar types.OHLCV) ([]types.Signal, error) {
	s.lastBarTimestamp = bar.Timestamp
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) <= s.period {
		return nil, nil
	}
	past := s.closes[len(s.closes)-1-s.period]
	if past.IsZero() {
		return nil, nil
	}
	momentum := bar.Close.Sub(past).Div(past)

	switch {
	case momentum.GreaterThan(s.threshold):
		s.lastSignalKind = types.SignalBuyPercent
		return []types.Signal{{
			Symbol:            bar.Symbol,
			Kind:              types.SignalBuyPercent,
			QuantityOrPercent: s.allocFrac,
			SourceStrategy:    s.id,
		}}, nil
	case momentum.LessThan(s.threshold.Neg()):
		s.lastSignalKind = types.SignalSellPercent
		return []types.Signal{{
			Symbol:            bar.Symbol,
			Kind:              types.SignalSellPercent,
			QuantityOrPercent: decimal.NewFromInt(1),
			SourceStrategy:    s.id,
		}}, nil
	default:
		return nil, nil
	}
}

func (s *MomentumStrategy) CurrentState() types.StrategyState {
	return types.StrategyState{
		SchemaVersion:    types.CurrentStrategyStateSchemaVersion,
		StrategyID:       s.id,
		LastBarTimestamp: s.lastBarTimestamp,
	}
}

func (s *MomentumStrategy) RestoreState(state types.StrategyState) error {
	s.lastBarTimestamp = state.LastBarTimestamp
	return nil
}

func (s *MomentumStrategy) MarshalState() ([]byte, error) {
	return json.Marshal(s.CurrentState())
}

func (s *MomentumStrategy) UnmarshalState(data []byte) error {
	var state types.StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	return s.RestoreState(state)
}

func (s *MomentumStrategy) Reset() {
	s.closes = nil
	s.lastBarTimestamp = time.Time{}
	s.lastSignalKind = ""
}

// MeanReversionStrategy is a single-symbol baseline that trades
// Bollinger Band extremes: buy when price closes below the lower band,
// sell the full position when it closes above the upper band.
type MeanReversionStrategy struct {
	id         string
	period     int
	stdDevMult decimal.Decimal
	allocFrac  decimal.Decimal

	closes           []decimal.Decimal
	lastBarTimestamp time.Time
}

// NewMeanReversionStrategy builds a MeanReversionStrategy.
func NewMeanReversionStrategy(id string, period int, stdDevMult, allocFrac decimal.Decimal) *MeanReversionStrategy {
	return &MeanReversionStrategy{
		id:         id,
		period:     period,
		stdDevMult: stdDevMult,
		allocFrac:  allocFrac,
	}
}

func (s *MeanReversionStrategy) Name() string    { return s.id }
func (s *MeanReversionStrategy) WarmupBars() int { return s.period }

func (s *MeanReversionStrategy) OnBar(bar types.OHLCV) ([]types.Signal, error) {
	s.lastBarTimestamp = bar.Timestamp
	s.closes = append(s.closes, bar.Close)
	bands, err := indicators.BollingerBands(s.closes, s.period, s.stdDevMult)
	if err == indicators.ErrWarmupNotMet {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case bar.Close.LessThan(bands.Lower):
		return []types.Signal{{
			Symbol:            bar.Symbol,
			Kind:              types.SignalBuyPercent,
			QuantityOrPercent: s.allocFrac,
			SourceStrategy:    s.id,
		}}, nil
	case bar.Close.GreaterThan(bands.Upper):
		return []types.Signal{{
			Symbol:            bar.Symbol,
			Kind:              types.SignalSellPercent,
			QuantityOrPercent: decimal.NewFromInt(1),
			SourceStrategy:    s.id,
		}}, nil
	default:
		return nil, nil
	}
}

func (s *MeanReversionStrategy) CurrentState() types.StrategyState {
	return types.StrategyState{
		SchemaVersion:    types.CurrentStrategyStateSchemaVersion,
		StrategyID:       s.id,
		LastBarTimestamp: s.lastBarTimestamp,
	}
}

func (s *MeanReversionStrategy) RestoreState(state types.StrategyState) error {
	s.lastBarTimestamp = state.LastBarTimestamp
	return nil
}

func (s *MeanReversionStrategy) MarshalState() ([]byte, error) {
	return json.Marshal(s.CurrentState())
}

func (s *MeanReversionStrategy) UnmarshalState(data []byte) error {
	var state types.StrategyState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	return s.RestoreState(state)
}

func (s *MeanReversionStrategy) Reset() {
	s.closes = nil
	s.lastBarTimestamp = time.Time{}
}
