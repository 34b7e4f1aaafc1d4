package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadBacktestConfigAppliesDefaults(t *testing.T) {
	l := New()
	cfg, err := l.LoadBacktestConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Indicators.SMAFastPeriod != 20 || cfg.Indicators.SMASlowPeriod != 100 {
		t.Fatalf("expected default sma periods 20/100, got %d/%d", cfg.Indicators.SMAFastPeriod, cfg.Indicators.SMASlowPeriod)
	}
	if !cfg.Execution.CommissionPerShare.Equal(decimal.NewFromFloat(0.005)) {
		t.Fatalf("expected default commission_per_share 0.005, got %s", cfg.Execution.CommissionPerShare)
	}
	if !cfg.Allocation.LeverageScalar.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected default leverage_scalar 1, got %s", cfg.Allocation.LeverageScalar)
	}
}

func TestLoadBacktestConfigSetOverridesDefault(t *testing.T) {
	l := New()
	l.Set("indicators.sma_fast_period", 5)
	l.Set("symbols", []string{"QQQ"})
	cfg, err := l.LoadBacktestConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Indicators.SMAFastPeriod != 5 {
		t.Fatalf("expected overridden sma_fast_period 5, got %d", cfg.Indicators.SMAFastPeriod)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "QQQ" {
		t.Fatalf("expected symbols [QQQ], got %v", cfg.Symbols)
	}
}

func TestLoadValidationAndServerConfigDefaults(t *testing.T) {
	l := New()
	vcfg, err := l.LoadValidationConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vcfg.WalkForward.WindowDays != 252 || vcfg.MonteCarlo.Iterations != 1000 {
		t.Fatalf("unexpected validation defaults: %+v", vcfg)
	}

	scfg, err := l.LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scfg.Port != 8090 || scfg.MetricsPort != 9090 {
		t.Fatalf("unexpected server defaults: %+v", scfg)
	}
}

func TestBindFileMissingPathIsNotAnError(t *testing.T) {
	l := New()
	if err := l.BindFile("/nonexistent/path/backtest.yaml"); err != nil {
		t.Fatalf("expected a missing config file to be non-fatal, got %v", err)
	}
}
