package validation_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/internal/validation"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

func runSampleBacktest(t *testing.T) *types.BacktestResult {
	t.Helper()
	logger := zap.NewNop()
	store, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}
	cfg := sampleConfig()
	strat := strategy.NewRegimeStrategy(logger, cfg.ID, cfg)
	result, err := backtester.RunBacktest(context.Background(), logger, cfg, store, strat, nil)
	if err != nil {
		t.Fatalf("RunBacktest failed: %v", err)
	}
	return result
}

func TestMonteCarloRunProducesDistribution(t *testing.T) {
	result := runSampleBacktest(t)
	runner := validation.NewMonteCarloRunner(zap.NewNop())

	mcResult := runner.Run(result, decimal.NewFromInt(10000), types.MonteCarloConfig{Iterations: 200})

	if mcResult.Iterations != 200 {
		t.Fatalf("expected 200 iterations, got %d", mcResult.Iterations)
	}
	if len(mcResult.Distribution) != 200 {
		t.Fatalf("expected 200 distribution entries, got %d", len(mcResult.Distribution))
	}
	if mcResult.P5Return.GreaterThan(mcResult.P95Return) {
		t.Fatalf("expected p5 return (%s) <= p95 return (%s)", mcResult.P5Return.String(), mcResult.P95Return.String())
	}
	if mcResult.ProbabilityRuin.LessThan(decimal.Zero) || mcResult.ProbabilityRuin.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("expected probability of ruin in [0,1], got %s", mcResult.ProbabilityRuin.String())
	}
}

func TestMonteCarloRunDefaultsIterations(t *testing.T) {
	result := runSampleBacktest(t)
	runner := validation.NewMonteCarloRunner(zap.NewNop())

	mcResult := runner.Run(result, decimal.NewFromInt(10000), types.MonteCarloConfig{})
	if mcResult.Iterations != 1000 {
		t.Fatalf("expected default of 1000 iterations, got %d", mcResult.Iterations)
	}
}

func TestMonteCarloRunHandlesEmptyEquitySeries(t *testing.T) {
	runner := validation.NewMonteCarloRunner(zap.NewNop())
	mcResult := runner.Run(&types.BacktestResult{}, decimal.NewFromInt(10000), types.MonteCarloConfig{Iterations: 50})
	if len(mcResult.Distribution) != 0 {
		t.Fatalf("expected no distribution for an empty equity series")
	}
}
