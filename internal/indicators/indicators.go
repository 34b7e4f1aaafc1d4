// Package indicators implements the pure-function technical indicator
// library the regime classifier and strategies are built on. Every
// exported function takes a finite slice of prior closes (or related
// series) and returns a value derived purely from that prefix; none of
// them retain state between calls, so callers recompute over a growing
// window each bar.
package indicators

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/backtest-core/pkg/utils"
)

// ErrWarmupNotMet is returned when a caller supplies fewer observations
// than an indicator needs to produce its first value. It is an internal
// signal consumed by the regime classifier and strategies; spec.md §7
// requires it never surface past them.
var ErrWarmupNotMet = errors.New("indicator warmup not met")

// SMA returns the simple moving average of the last `period` values in
// closes. closes must have at least `period` elements.
func SMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(closes) < period {
		return decimal.Zero, ErrWarmupNotMet
	}
	window := closes[len(closes)-period:]
	calc := utils.NewSMA(period)
	var out decimal.Decimal
	for _, v := range window {
		out = calc.Add(v)
	}
	return out, nil
}

// EMA returns the exponential moving average over the full closes slice,
// seeded by the simple average of the first `period` values (unlike
// pkg/utils's incremental EMA, which seeds with the first value), then
// recursed with multiplier = 2/(period+1) over the remainder.
func EMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(closes) < period {
		return decimal.Zero, ErrWarmupNotMet
	}
	seed, err := SMA(closes[:period], period)
	if err != nil {
		return decimal.Zero, err
	}
	mult := decimal.NewFromFloat(2.0 / float64(period+1))
	current := seed
	for _, v := range closes[period:] {
		current = v.Sub(current).Mul(mult).Add(current)
	}
	return current, nil
}

// EMASeries returns the EMA value at every index from `period-1` onward,
// useful for indicators (MACD, ATR) that need two EMA series aligned.
func EMASeries(closes []decimal.Decimal, period int) ([]decimal.Decimal, error) {
	if period <= 0 || len(closes) < period {
		return nil, ErrWarmupNotMet
	}
	seed, err := SMA(closes[:period], period)
	if err != nil {
		return nil, err
	}
	mult := decimal.NewFromFloat(2.0 / float64(period+1))
	out := make([]decimal.Decimal, len(closes)-period+1)
	out[0] = seed
	current := seed
	for i, v := range closes[period:] {
		current = v.Sub(current).Mul(mult).Add(current)
		out[i+1] = current
	}
	return out, nil
}

// RSI returns the Wilder-smoothed relative strength index over the full
// closes slice using `period` lookback, matching the classic 0-100 scale.
func RSI(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero, ErrWarmupNotMet
	}
	var avgGain, avgLoss decimal.Decimal
	for i := 1; i <= period; i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.IsPositive() {
			avgGain = avgGain.Add(delta)
		} else {
			avgLoss = avgLoss.Add(delta.Neg())
		}
	}
	n := decimal.NewFromInt(int64(period))
	avgGain = avgGain.Div(n)
	avgLoss = avgLoss.Div(n)
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		var gain, loss decimal.Decimal
		if delta.IsPositive() {
			gain = delta
		} else {
			loss = delta.Neg()
		}
		avgGain = avgGain.Mul(n.Sub(decimal.NewFromInt(1))).Add(gain).Div(n)
		avgLoss = avgLoss.Mul(n.Sub(decimal.NewFromInt(1))).Add(loss).Div(n)
	}
	if avgLoss.IsZero() {
		return decimal.NewFromInt(100), nil
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))), nil
}

// MACDResult holds the MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      decimal.Decimal
	Signal    decimal.Decimal
	Histogram decimal.Decimal
}

// MACD computes the standard 12/26/9 (or caller-supplied) moving-average
// convergence-divergence indicator.
func MACD(closes []decimal.Decimal, fast, slow, signalPeriod int) (MACDResult, error) {
	if len(closes) < slow+signalPeriod {
		return MACDResult{}, ErrWarmupNotMet
	}
	fastSeries, err := EMASeries(closes, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowSeries, err := EMASeries(closes, slow)
	if err != nil {
		return MACDResult{}, err
	}
	// Align: fastSeries is longer (starts earlier) than slowSeries by
	// (slow-fast) elements.
	offset := len(fastSeries) - len(slowSeries)
	macdSeries := make([]decimal.Decimal, len(slowSeries))
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i+offset].Sub(slowSeries[i])
	}
	signal, err := EMA(macdSeries, signalPeriod)
	if err != nil {
		return MACDResult{}, err
	}
	macdNow := macdSeries[len(macdSeries)-1]
	return MACDResult{
		MACD:      macdNow,
		Signal:    signal,
		Histogram: macdNow.Sub(signal),
	}, nil
}

// BollingerResult holds the middle, upper and lower Bollinger bands.
type BollingerResult struct {
	Middle decimal.Decimal
	Upper  decimal.Decimal
	Lower  decimal.Decimal
}

// BollingerBands computes a `period`-length SMA with bands at
// +/- `numStdDev` standard deviations.
func BollingerBands(closes []decimal.Decimal, period int, numStdDev decimal.Decimal) (BollingerResult, error) {
	if period <= 0 || len(closes) < period {
		return BollingerResult{}, ErrWarmupNotMet
	}
	window := closes[len(closes)-period:]
	mean, err := SMA(closes, period)
	if err != nil {
		return BollingerResult{}, err
	}
	var sumSq decimal.Decimal
	for _, v := range window {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(period)))
	stdDev := sqrtDecimal(variance)
	band := stdDev.Mul(numStdDev)
	return BollingerResult{
		Middle: mean,
		Upper:  mean.Add(band),
		Lower:  mean.Sub(band),
	}, nil
}

// ATR computes the average true range over `period` bars.
func ATR(highs, lows, closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(closes) < period+1 {
		return decimal.Zero, ErrWarmupNotMet
	}
	trueRanges := make([]decimal.Decimal, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		hl := highs[i].Sub(lows[i])
		hc := highs[i].Sub(closes[i-1]).Abs()
		lc := lows[i].Sub(closes[i-1]).Abs()
		tr := hl
		if hc.GreaterThan(tr) {
			tr = hc
		}
		if lc.GreaterThan(tr) {
			tr = lc
		}
		trueRanges = append(trueRanges, tr)
	}
	return EMA(trueRanges, period)
}

// StochasticResult holds %K and %D.
type StochasticResult struct {
	K decimal.Decimal
	D decimal.Decimal
}

// Stochastic computes the %K/%D stochastic oscillator over `kPeriod` bars
// with a `dPeriod`-length SMA smoothing of %K.
func Stochastic(highs, lows, closes []decimal.Decimal, kPeriod, dPeriod int) (StochasticResult, error) {
	if len(closes) < kPeriod+dPeriod-1 {
		return StochasticResult{}, ErrWarmupNotMet
	}
	kValues := make([]decimal.Decimal, dPeriod)
	for j := 0; j < dPeriod; j++ {
		end := len(closes) - (dPeriod - 1 - j)
		window := highs[end-kPeriod : end]
		lowWindow := lows[end-kPeriod : end]
		hh := window[0]
		ll := lowWindow[0]
		for _, v := range window {
			if v.GreaterThan(hh) {
				hh = v
			}
		}
		for _, v := range lowWindow {
			if v.LessThan(ll) {
				ll = v
			}
		}
		denom := hh.Sub(ll)
		if denom.IsZero() {
			kValues[j] = decimal.NewFromInt(50)
			continue
		}
		kValues[j] = closes[end-1].Sub(ll).Div(denom).Mul(decimal.NewFromInt(100))
	}
	dSum := decimal.Zero
	for _, v := range kValues {
		dSum = dSum.Add(v)
	}
	d := dSum.Div(decimal.NewFromInt(int64(dPeriod)))
	return StochasticResult{K: kValues[len(kValues)-1], D: d}, nil
}

// OBV computes the on-balance volume running total over the full series.
func OBV(closes, volumes []decimal.Decimal) (decimal.Decimal, error) {
	if len(closes) < 2 {
		return decimal.Zero, ErrWarmupNotMet
	}
	obv := decimal.Zero
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i].GreaterThan(closes[i-1]):
			obv = obv.Add(volumes[i])
		case closes[i].LessThan(closes[i-1]):
			obv = obv.Sub(volumes[i])
		}
	}
	return obv, nil
}

// ADX computes the average directional index over `period` bars.
func ADX(highs, lows, closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if len(closes) < period*2 {
		return decimal.Zero, ErrWarmupNotMet
	}
	n := len(closes)
	plusDM := make([]decimal.Decimal, n)
	minusDM := make([]decimal.Decimal, n)
	tr := make([]decimal.Decimal, n)
	for i := 1; i < n; i++ {
		upMove := highs[i].Sub(highs[i-1])
		downMove := lows[i-1].Sub(lows[i])
		if upMove.GreaterThan(downMove) && upMove.IsPositive() {
			plusDM[i] = upMove
		}
		if downMove.GreaterThan(upMove) && downMove.IsPositive() {
			minusDM[i] = downMove
		}
		hl := highs[i].Sub(lows[i])
		hc := highs[i].Sub(closes[i-1]).Abs()
		lc := lows[i].Sub(closes[i-1]).Abs()
		trv := hl
		if hc.GreaterThan(trv) {
			trv = hc
		}
		if lc.GreaterThan(trv) {
			trv = lc
		}
		tr[i] = trv
	}
	atrVal, err := EMA(tr[1:], period)
	if err != nil {
		return decimal.Zero, err
	}
	plusDI, err := EMA(plusDM[1:], period)
	if err != nil {
		return decimal.Zero, err
	}
	minusDI, err := EMA(minusDM[1:], period)
	if err != nil {
		return decimal.Zero, err
	}
	if atrVal.IsZero() {
		return decimal.Zero, nil
	}
	plusDIPct := plusDI.Div(atrVal).Mul(decimal.NewFromInt(100))
	minusDIPct := minusDI.Div(atrVal).Mul(decimal.NewFromInt(100))
	sum := plusDIPct.Add(minusDIPct)
	if sum.IsZero() {
		return decimal.Zero, nil
	}
	dx := plusDIPct.Sub(minusDIPct).Abs().Div(sum).Mul(decimal.NewFromInt(100))
	return dx, nil
}

// RealizedVolatility computes the annualized (sqrt(252)-scaled) standard
// deviation of simple returns over the full closes slice.
func RealizedVolatility(closes []decimal.Decimal) (decimal.Decimal, error) {
	if len(closes) < 2 {
		return decimal.Zero, ErrWarmupNotMet
	}
	returns := make([]decimal.Decimal, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1].IsZero() {
			continue
		}
		returns = append(returns, closes[i].Sub(closes[i-1]).Div(closes[i-1]))
	}
	if len(returns) < 2 {
		return decimal.Zero, ErrWarmupNotMet
	}
	mean := decimal.Zero
	for _, r := range returns {
		mean = mean.Add(r)
	}
	mean = mean.Div(decimal.NewFromInt(int64(len(returns))))
	var sumSq decimal.Decimal
	for _, r := range returns {
		d := r.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(returns) - 1)))
	stdDev := sqrtDecimal(variance)
	return stdDev.Mul(decimal.NewFromFloat(math.Sqrt(252))), nil
}

// RollingZScore returns (last value - window mean) / window stddev over
// the trailing `period` values of series.
func RollingZScore(series []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 1 || len(series) < period {
		return decimal.Zero, ErrWarmupNotMet
	}
	window := series[len(series)-period:]
	mean := decimal.Zero
	for _, v := range window {
		mean = mean.Add(v)
	}
	mean = mean.Div(decimal.NewFromInt(int64(period)))
	var sumSq decimal.Decimal
	for _, v := range window {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(period)))
	stdDev := sqrtDecimal(variance)
	if stdDev.IsZero() {
		return decimal.Zero, nil
	}
	last := series[len(series)-1]
	return last.Sub(mean).Div(stdDev), nil
}

// sqrtDecimal computes a square root via Newton's method, staying in
// decimal arithmetic (pkg/utils's CalculateStdDev instead converts to
// float64 and uses math.Sqrt).
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}
	x := d
	two := decimal.NewFromInt(2)
	for i := 0; i < 20; i++ {
		x = x.Add(d.Div(x)).Div(two)
	}
	return x
}
