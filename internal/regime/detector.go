// Package regime classifies each bar into one of six regime cells, the
// cross of a structural trend state (bull_strong/sideways/bear_strong) and
// a hysteretic volatility state (low/high). Classification is
// deterministic and rule-based: trend comes from a Kalman-filtered
// normalized velocity (T_norm) plus an SMA-fast/SMA-slow structural check,
// volatility comes from a rolling z-score of realized volatility with a
// hysteresis deadband so the classifier doesn't flicker across a single
// threshold.
package regime

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/indicators"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Config controls the classifier's thresholds, mirroring
// types.IndicatorConfig and types.RegimeConfig so callers can build one
// directly from a BacktestConfig.
type Config struct {
	SMAFastPeriod    int
	SMASlowPeriod    int
	VolatilityWindow int
	ZScoreWindow     int

	KalmanProcessNoise decimal.Decimal
	KalmanObsNoise     decimal.Decimal
	TNormClip          decimal.Decimal

	TNormBullThreshold decimal.Decimal
	TNormBearThreshold decimal.Decimal
	VolHighThreshold   decimal.Decimal
	VolLowThreshold    decimal.Decimal

	VolCrushLookback     int
	VolCrushDropFraction decimal.Decimal

	Cell1ExitConfirmBars int
}

// Detector classifies bars for a single symbol into a regime cell,
// holding hysteresis state (current trend/vol state, whether the vol-crush
// override fired on the most recent bar, cell-1 exit confirmation counter)
// between calls.
type Detector struct {
	logger *zap.Logger
	config Config

	mu sync.Mutex

	closes []decimal.Decimal
	highs  []decimal.Decimal
	lows   []decimal.Decimal

	currentTrend types.TrendState
	currentVol   types.VolState
	warm         bool

	volCrushCooldown int
	cell1ExitCounter int

	history []types.RegimeRecord
}

// New builds a Detector. logger may be nil, in which case a no-op logger
// is used (matching the teacher's nil-logger tolerance elsewhere).
func New(logger *zap.Logger, cfg Config) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		logger:       logger,
		config:       cfg,
		currentTrend: types.TrendSideways,
		currentVol:   types.VolLow,
	}
}

// warmupBars is the minimum number of closes the classifier needs before
// it can produce a non-undefined cell.
func (d *Detector) warmupBars() int {
	n := d.config.SMASlowPeriod
	if d.config.VolatilityWindow+d.config.ZScoreWindow > n {
		n = d.config.VolatilityWindow + d.config.ZScoreWindow
	}
	return n
}

// AddBar feeds one new bar's OHLC into the classifier and returns the
// resulting cell, or types.CellUndefined while warming up
// (IndicatorWarmupNotMet is never surfaced past this boundary, per
// spec.md §7 — an undefined cell is the documented observable instead).
func (d *Detector) AddBar(bar types.OHLCV) (types.Cell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closes = append(d.closes, bar.Close)
	d.highs = append(d.highs, bar.High)
	d.lows = append(d.lows, bar.Low)

	if len(d.closes) < d.warmupBars() {
		return types.CellUndefined, nil
	}

	trend, err := d.classifyTrend()
	if err != nil {
		return types.CellUndefined, nil
	}
	vol, err := d.classifyVol()
	if err != nil {
		return types.CellUndefined, nil
	}

	trend = d.applyVolCrushOverride(trend, vol)
	trend = d.applyCell1ExitConfirmation(trend)

	d.currentTrend = trend
	d.currentVol = vol
	d.warm = true

	cell := types.CellFor(trend, vol)
	d.history = append(d.history, types.RegimeRecord{
		Timestamp:  bar.Timestamp,
		Cell:       cell,
		TrendState: trend,
		VolState:   vol,
	})
	return cell, nil
}

// classifyTrend applies the structural SMA check and the Kalman T_norm
// threshold rule from spec.md §4.3: bull_strong requires SMA_fast >
// SMA_slow *and* T_norm above the bull threshold; bear_strong is the
// mirror image; anything else is sideways.
func (d *Detector) classifyTrend() (types.TrendState, error) {
	smaFast, err := indicators.SMA(d.closes, d.config.SMAFastPeriod)
	if err != nil {
		return types.TrendSideways, err
	}
	smaSlow, err := indicators.SMA(d.closes, d.config.SMASlowPeriod)
	if err != nil {
		return types.TrendSideways, err
	}
	tNorm, err := indicators.KalmanTrend(d.closes, d.config.KalmanProcessNoise, d.config.KalmanObsNoise, d.config.TNormClip)
	if err != nil {
		return types.TrendSideways, err
	}

	structurallyBull := smaFast.GreaterThan(smaSlow)
	structurallyBear := smaFast.LessThan(smaSlow)

	switch {
	case structurallyBull && tNorm.GreaterThan(d.config.TNormBullThreshold):
		return types.TrendBullStrong, nil
	case structurallyBear && tNorm.LessThan(d.config.TNormBearThreshold):
		return types.TrendBearStrong, nil
	default:
		return types.TrendSideways, nil
	}
}

// classifyVol applies the hysteretic z-score volatility rule: once High,
// stay High until the z-score drops below VolLowThreshold; once Low, stay
// Low until the z-score rises above VolHighThreshold. The deadband between
// the two thresholds is what prevents single-bar flicker.
func (d *Detector) classifyVol() (types.VolState, error) {
	z, err := rollingVolZScore(d.closes, d.config.VolatilityWindow, d.config.ZScoreWindow)
	if err != nil {
		return d.currentVol, err
	}

	switch d.currentVol {
	case types.VolHigh:
		if z.LessThan(d.config.VolLowThreshold) {
			return types.VolLow, nil
		}
		return types.VolHigh, nil
	default: // VolLow
		if z.GreaterThan(d.config.VolHighThreshold) {
			return types.VolHigh, nil
		}
		return types.VolLow, nil
	}
}

// applyVolCrushOverride demotes a BearStrong trend classification to
// Sideways when realized volatility has collapsed sharply over the
// configured lookback (a "vol crush"), per spec.md §4.3's override rule.
// The override applies only to the bar on which it fires: the hysteresis
// state it leaves behind is whatever classifyVol already computed, and
// future bars are classified purely on z-score conditions from there —
// there is no multi-bar hold.
func (d *Detector) applyVolCrushOverride(trend types.TrendState, vol types.VolState) types.TrendState {
	d.volCrushCooldown = 0
	if trend != types.TrendBearStrong {
		return trend
	}
	window := d.config.VolatilityWindow
	lookback := d.config.VolCrushLookback
	if window <= 0 || lookback <= 0 || len(d.closes) < window+lookback {
		return trend
	}
	recent, err := indicators.RealizedVolatility(d.closes[len(d.closes)-window:])
	if err != nil {
		return trend
	}
	priorEnd := len(d.closes) - lookback
	prior, err := indicators.RealizedVolatility(d.closes[priorEnd-window : priorEnd])
	if err != nil {
		return trend
	}
	if prior.IsZero() {
		return trend
	}
	drop := prior.Sub(recent).Div(prior)
	if drop.GreaterThanOrEqual(d.config.VolCrushDropFraction) {
		d.volCrushCooldown = 1
		return types.TrendSideways
	}
	return trend
}

// applyCell1ExitConfirmation requires Cell1ExitConfirmBars consecutive
// bars of a non-cell-1-qualifying trend before actually leaving
// BullStrong+Low (cell 1), per spec.md §4.3's optional exit-confirmation
// rule. It only engages when the previously classified cell was exactly
// cell 1 (BullStrong trend *and* Low vol) — any other previous cell,
// including BullStrong+High, is an unrelated transition the rule must
// not touch. The counter resets to zero on any bar that still qualifies
// for BullStrong.
func (d *Detector) applyCell1ExitConfirmation(trend types.TrendState) types.TrendState {
	if d.config.Cell1ExitConfirmBars <= 0 {
		return trend
	}
	wasCell1 := d.currentTrend == types.TrendBullStrong && d.currentVol == types.VolLow
	if !wasCell1 {
		d.cell1ExitCounter = 0
		return trend
	}
	if trend == types.TrendBullStrong {
		d.cell1ExitCounter = 0
		return trend
	}
	d.cell1ExitCounter++
	if d.cell1ExitCounter < d.config.Cell1ExitConfirmBars {
		return types.TrendBullStrong
	}
	d.cell1ExitCounter = 0
	return trend
}

// rollingVolZScore computes realized volatility over each trailing
// VolatilityWindow-length slice of closes, then z-scores the most recent
// value against the last ZScoreWindow such volatility observations.
func rollingVolZScore(closes []decimal.Decimal, volWindow, zWindow int) (decimal.Decimal, error) {
	if volWindow <= 0 || zWindow <= 0 || len(closes) < volWindow+zWindow {
		return decimal.Zero, indicators.ErrWarmupNotMet
	}
	series := make([]decimal.Decimal, 0, zWindow+1)
	for i := len(closes) - zWindow - volWindow + 1; i+volWindow <= len(closes); i++ {
		v, err := indicators.RealizedVolatility(closes[i : i+volWindow])
		if err != nil {
			return decimal.Zero, err
		}
		series = append(series, v)
	}
	return indicators.RollingZScore(series, len(series))
}

// CurrentCell returns the most recently computed cell, or
// types.CellUndefined before warmup completes.
func (d *Detector) CurrentCell() types.Cell {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.warm {
		return types.CellUndefined
	}
	return types.CellFor(d.currentTrend, d.currentVol)
}

// CurrentTrendState returns the classifier's trend leg.
func (d *Detector) CurrentTrendState() types.TrendState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentTrend
}

// CurrentVolState returns the classifier's volatility leg.
func (d *Detector) CurrentVolState() types.VolState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentVol
}

// VolCrushCooldown reports whether the vol-crush override fired on the
// most recently processed bar (1) or not (0), for StrategyState
// persistence. It never gates future classification — the override is
// single-bar only.
func (d *Detector) VolCrushCooldown() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volCrushCooldown
}

// Cell1ExitCounter returns the in-progress exit-confirmation count, for
// StrategyState persistence.
func (d *Detector) Cell1ExitCounter() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cell1ExitCounter
}

// RestoreHysteresis sets the hysteresis fields directly, used when
// reloading a persisted types.StrategyState so classification continues
// deterministically from where it left off rather than re-deriving
// hysteresis from scratch.
func (d *Detector) RestoreHysteresis(trend types.TrendState, vol types.VolState, volCrushCooldown, cell1ExitCounter int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentTrend = trend
	d.currentVol = vol
	d.volCrushCooldown = volCrushCooldown
	d.cell1ExitCounter = cell1ExitCounter
	d.warm = true
}

// History returns the full regime record series observed so far.
func (d *Detector) History() []types.RegimeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.RegimeRecord, len(d.history))
	copy(out, d.history)
	return out
}

// Reset clears all buffered data and hysteresis state, for reuse across
// independent runs (e.g. walk-forward windows).
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes = nil
	d.highs = nil
	d.lows = nil
	d.currentTrend = types.TrendSideways
	d.currentVol = types.VolLow
	d.warm = false
	d.volCrushCooldown = 0
	d.cell1ExitCounter = 0
	d.history = nil
}
