package validation

import (
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// MonteCarloRunner resamples a completed backtest's per-bar returns to
// estimate how sensitive its outcome was to the particular sequence history
// happened to deliver: a plain bootstrap that draws single bar returns
// with replacement from one RunBacktest result's equity curve.
type MonteCarloRunner struct {
	logger *zap.Logger
}

// NewMonteCarloRunner builds a runner. Each Run call seeds its own RNG, so a
// single runner is safe to reuse across results.
func NewMonteCarloRunner(logger *zap.Logger) *MonteCarloRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonteCarloRunner{logger: logger}
}

// ruinFraction is the fraction of initial capital below which a simulated
// path counts as ruin, matching the teacher simulator's hardcoded threshold.
const ruinFraction = 0.5

// Run bootstraps mc.Iterations resampled return sequences (with replacement,
// preserving each bar's return magnitude but not its original position) from
// result's equity curve, compounds each from initialCapital, and reports the
// distribution of outcomes.
func (r *MonteCarloRunner) Run(result *types.BacktestResult, initialCapital decimal.Decimal, mc types.MonteCarloConfig) *types.MonteCarloResult {
	returns := barReturns(result.EquitySeries)
	iterations := mc.Iterations
	if iterations <= 0 {
		iterations = 1000
	}
	if len(returns) == 0 {
		return &types.MonteCarloResult{Iterations: iterations}
	}

	initialFloat, _ := initialCapital.Float64()

	r.logger.Info("starting monte carlo resampling",
		zap.Int("iterations", iterations),
		zap.Int("num_returns", len(returns)),
	)

	finalEquities := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)

	numWorkers := runtime.NumCPU()
	if numWorkers > 8 {
		numWorkers = 8
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	jobs := make(chan int, iterations)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for idx := range jobs {
				resampled := bootstrapResample(returns, rng)
				equity, maxDD := compoundEquity(resampled, initialFloat)
				finalEquities[idx] = equity
				maxDrawdowns[idx] = maxDD
			}
		}(w)
	}
	for i := 0; i < iterations; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sortedEquities := append([]float64(nil), finalEquities...)
	sort.Float64s(sortedEquities)
	sortedDrawdowns := append([]float64(nil), maxDrawdowns...)
	sort.Float64s(sortedDrawdowns)

	ruinCount := 0
	for _, eq := range finalEquities {
		if eq < initialFloat*ruinFraction {
			ruinCount++
		}
	}

	distribution := make([]decimal.Decimal, len(sortedEquities))
	for i, eq := range sortedEquities {
		distribution[i] = decimal.NewFromFloat(eq)
	}

	mcResult := &types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    returnAt(sortedEquities, initialFloat, 0.50),
		P5Return:        returnAt(sortedEquities, initialFloat, 0.05),
		P95Return:       returnAt(sortedEquities, initialFloat, 0.95),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(percentile(sortedDrawdowns, 0.95)),
		Distribution:    distribution,
	}

	r.logger.Info("monte carlo resampling complete",
		zap.String("median_return", mcResult.MedianReturn.String()),
		zap.String("probability_ruin", mcResult.ProbabilityRuin.String()),
	)

	return mcResult
}

// barReturns derives the same per-bar return series internal/backtester's
// MetricsCalculator computes internally, recomputed here since that helper
// is unexported and this package has no other view into the equity curve.
func barReturns(equitySeries []types.Snapshot) []float64 {
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

// bootstrapResample draws len(returns) samples from returns, with
// replacement, matching the teacher simulator's AllowReplacement=true path.
func bootstrapResample(returns []float64, rng *rand.Rand) []float64 {
	n := len(returns)
	resampled := make([]float64, n)
	for i := 0; i < n; i++ {
		resampled[i] = returns[rng.Intn(n)]
	}
	return resampled
}

// compoundEquity compounds a return sequence from initialEquity and tracks
// the maximum peak-to-trough drawdown observed along the way.
func compoundEquity(returns []float64, initialEquity float64) (finalEquity, maxDrawdown float64) {
	equity := initialEquity
	peak := initialEquity
	for _, ret := range returns {
		equity *= 1 + ret
		if equity > peak {
			peak = equity
		} else if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return equity, maxDrawdown
}

// returnAt reports the total return (not the raw equity level) at the given
// percentile of a pre-sorted equity distribution.
func returnAt(sortedEquities []float64, initialEquity float64, p float64) decimal.Decimal {
	if initialEquity == 0 {
		return decimal.Zero
	}
	eq := percentile(sortedEquities, p)
	return decimal.NewFromFloat((eq - initialEquity) / initialEquity)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
