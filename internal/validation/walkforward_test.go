package validation_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/validation"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// sampleConfig mirrors data.Store's GenerateSampleData symbol set
// (BTC/USDT, ETH/USDT, SOL/USDT) so a fresh store always has bars for it.
func sampleConfig() types.BacktestConfig {
	return types.BacktestConfig{
		ID:             "wf-test",
		Symbols:        []string{"BTC/USDT", "ETH/USDT"},
		BondSymbols:    []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, 0, -80),
		EndDate:        time.Now().AddDate(0, 0, -5),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Indicators: types.IndicatorConfig{
			SMAFastPeriod:      3,
			SMASlowPeriod:      10,
			VolatilityWindow:   5,
			ZScoreWindow:       5,
			KalmanProcessNoise: decimal.NewFromFloat(1e-5),
			KalmanObsNoise:     decimal.NewFromFloat(1e-2),
			TNormClip:          decimal.NewFromInt(1),
		},
		Regime: types.RegimeConfig{
			TNormBullThreshold:   decimal.NewFromFloat(0.2),
			TNormBearThreshold:   decimal.NewFromFloat(-0.2),
			VolHighThreshold:     decimal.NewFromFloat(1.0),
			VolLowThreshold:      decimal.NewFromFloat(-0.5),
			VolCrushLookback:     5,
			VolCrushDropFraction: decimal.NewFromFloat(0.5),
		},
		Allocation: types.AllocationConfig{
			EquitySymbol:          "BTC/USDT",
			LeveragedEquitySymbol: "ETH/USDT",
			BondLongSymbol:        "SOL/USDT",
			BondInverseSymbol:     "SOL/USDT",
			AllowTreasury:         true,
			BondSMAFastPeriod:     3,
			BondSMASlowPeriod:     5,
			MaxBondWeight:         decimal.NewFromFloat(0.4),
			LeverageScalar:        decimal.NewFromInt(1),
			RebalanceThreshold:    decimal.NewFromFloat(0.025),
		},
		Execution: types.ExecutionConfig{
			CommissionPerShare: decimal.NewFromFloat(0.005),
			SlippagePercent:    decimal.NewFromFloat(0.0005),
		},
		Analytics: types.AnalyticsConfig{
			RiskFreeRateAnnual: decimal.NewFromFloat(0.02),
		},
	}
}

func TestWalkForwardRunProducesWindows(t *testing.T) {
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	runner := validation.NewWalkForwardRunner(logger, store)
	cfg := sampleConfig()
	wfCfg := types.WalkForwardConfig{Enabled: true, WindowDays: 20, StepDays: 10, MinSamples: 5}

	result, err := runner.Run(context.Background(), cfg, wfCfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Windows) == 0 {
		t.Fatalf("expected at least one walk-forward window")
	}
	for i, w := range result.Windows {
		if !w.OutSampleStart.Equal(w.InSampleEnd) {
			t.Fatalf("window %d: out-of-sample start should equal in-sample end", i)
		}
		if w.InSampleMetrics == nil || w.OutSampleMetrics == nil {
			t.Fatalf("window %d: expected both in-sample and out-of-sample metrics", i)
		}
	}
	if result.OverallMetrics == nil {
		t.Fatalf("expected overall metrics to be populated")
	}
	if result.Robustness.LessThan(decimal.Zero) || result.Robustness.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("expected robustness in [0,1], got %s", result.Robustness.String())
	}
}

func TestWalkForwardRunRejectsZeroWindow(t *testing.T) {
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	runner := validation.NewWalkForwardRunner(logger, store)
	_, err = runner.Run(context.Background(), sampleConfig(), types.WalkForwardConfig{WindowDays: 0, StepDays: 10})
	if err == nil {
		t.Fatalf("expected an error for a zero window_days")
	}
}

func TestWalkForwardRunNoWindowsWhenRangeTooShort(t *testing.T) {
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	runner := validation.NewWalkForwardRunner(logger, store)
	cfg := sampleConfig()
	cfg.EndDate = cfg.StartDate.AddDate(0, 0, 1)

	result, err := runner.Run(context.Background(), cfg, types.WalkForwardConfig{Enabled: true, WindowDays: 20, StepDays: 10, MinSamples: 5})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Windows) != 0 {
		t.Fatalf("expected no windows when the range can't fit one, got %d", len(result.Windows))
	}
}
