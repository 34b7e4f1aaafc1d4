// Package types provides configuration types for the backtesting core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig is the full configuration surface for a backtest run, per
// spec.md §6.
type BacktestConfig struct {
	ID             string          `json:"id" mapstructure:"id"`
	Symbols        []string        `json:"symbols" mapstructure:"symbols"`
	BondSymbols    []string        `json:"bondSymbols" mapstructure:"bond_symbols"`
	StartDate      time.Time       `json:"startDate" mapstructure:"start_date"`
	EndDate        time.Time       `json:"endDate" mapstructure:"end_date"`
	Timeframe      Timeframe       `json:"timeframe" mapstructure:"timeframe"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`

	Indicators IndicatorConfig `json:"indicators" mapstructure:"indicators"`
	Regime     RegimeConfig    `json:"regime" mapstructure:"regime"`
	Allocation AllocationConfig `json:"allocation" mapstructure:"allocation"`
	Execution  ExecutionConfig `json:"execution" mapstructure:"execution"`
	Analytics  AnalyticsConfig `json:"analytics" mapstructure:"analytics"`
}

// Validate enforces the InvalidConfig fail-fast checks spec.md §7 requires
// at the start of a run.
func (c *BacktestConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return wrapInvalidConfig("symbols must not be empty")
	}
	if c.InitialCapital.IsZero() || c.InitialCapital.IsNegative() {
		return wrapInvalidConfig("initial_capital must be positive")
	}
	if !c.EndDate.After(c.StartDate) {
		return wrapInvalidConfig("end_date must be after start_date")
	}
	if c.Indicators.SMAFastPeriod <= 0 || c.Indicators.SMASlowPeriod <= 0 {
		return wrapInvalidConfig("sma periods must be positive")
	}
	if c.Indicators.SMAFastPeriod >= c.Indicators.SMASlowPeriod {
		return wrapInvalidConfig("sma_fast_period must be less than sma_slow_period")
	}
	if c.Regime.VolHighThreshold.LessThanOrEqual(c.Regime.VolLowThreshold) {
		return wrapInvalidConfig("vol_high_threshold must exceed vol_low_threshold")
	}
	if c.Execution.CommissionPerShare.IsNegative() {
		return wrapInvalidConfig("commission_per_share must not be negative")
	}
	if c.Execution.SlippagePercent.IsNegative() {
		return wrapInvalidConfig("slippage_percent must not be negative")
	}
	if c.Allocation.RebalanceThreshold.IsNegative() {
		return wrapInvalidConfig("rebalance_threshold must not be negative")
	}
	if c.Allocation.LeverageScalar.IsZero() || c.Allocation.LeverageScalar.IsNegative() {
		return wrapInvalidConfig("leverage_scalar must be positive")
	}
	return nil
}

// IndicatorConfig controls the indicator library's windows, per spec.md §6.
type IndicatorConfig struct {
	SMAFastPeriod       int             `json:"smaFastPeriod" mapstructure:"sma_fast_period"`
	SMASlowPeriod       int             `json:"smaSlowPeriod" mapstructure:"sma_slow_period"`
	VolatilityWindow    int             `json:"volatilityWindow" mapstructure:"volatility_window"`
	ZScoreWindow        int             `json:"zscoreWindow" mapstructure:"zscore_window"`
	KalmanProcessNoise  decimal.Decimal `json:"kalmanProcessNoise" mapstructure:"kalman_process_noise"`
	KalmanObsNoise      decimal.Decimal `json:"kalmanObsNoise" mapstructure:"kalman_obs_noise"`
	TNormClip           decimal.Decimal `json:"tNormClip" mapstructure:"t_norm_clip"`
}

// RegimeConfig controls the hysteretic trend/vol classifier, per spec.md §4.3.
type RegimeConfig struct {
	TNormBullThreshold      decimal.Decimal `json:"tNormBullThreshold" mapstructure:"t_norm_bull_threshold"`
	TNormBearThreshold      decimal.Decimal `json:"tNormBearThreshold" mapstructure:"t_norm_bear_threshold"`
	VolHighThreshold        decimal.Decimal `json:"volHighThreshold" mapstructure:"vol_high_threshold"`
	VolLowThreshold         decimal.Decimal `json:"volLowThreshold" mapstructure:"vol_low_threshold"`
	VolCrushLookback        int             `json:"volCrushLookback" mapstructure:"vol_crush_lookback"`
	VolCrushDropFraction    decimal.Decimal `json:"volCrushDropFraction" mapstructure:"vol_crush_drop_fraction"`
	Cell1ExitConfirmBars    int             `json:"cell1ExitConfirmBars" mapstructure:"cell1_exit_confirm_bars"`
}

// AllocationConfig controls the regime-to-weights allocation engine, per
// spec.md §4.4. The symbol universe is fixed-shape: one primary equity,
// one leveraged equity, one long-duration defensive instrument, one
// inverse-duration defensive instrument, plus cash (a pseudo-symbol with
// no entry in target weights).
type AllocationConfig struct {
	EquitySymbol         string          `json:"equitySymbol" mapstructure:"equity_symbol"`
	LeveragedEquitySymbol string         `json:"leveragedEquitySymbol" mapstructure:"leveraged_equity_symbol"`
	BondLongSymbol       string          `json:"bondLongSymbol" mapstructure:"bond_long_symbol"`
	BondInverseSymbol    string          `json:"bondInverseSymbol" mapstructure:"bond_inverse_symbol"`

	AllowTreasury      bool            `json:"allowTreasury" mapstructure:"allow_treasury"`
	BondSMAFastPeriod  int             `json:"bondSmaFastPeriod" mapstructure:"bond_sma_fast_period"`
	BondSMASlowPeriod  int             `json:"bondSmaSlowPeriod" mapstructure:"bond_sma_slow_period"`
	MaxBondWeight      decimal.Decimal `json:"maxBondWeight" mapstructure:"max_bond_weight"`

	LeverageScalar     decimal.Decimal `json:"leverageScalar" mapstructure:"leverage_scalar"`
	RebalanceThreshold decimal.Decimal `json:"rebalanceThreshold" mapstructure:"rebalance_threshold"`
}

// ExecutionConfig controls the portfolio simulator's cost model, per
// spec.md §4.5.
type ExecutionConfig struct {
	CommissionPerShare decimal.Decimal `json:"commissionPerShare" mapstructure:"commission_per_share"`
	SlippagePercent    decimal.Decimal `json:"slippagePercent" mapstructure:"slippage_percent"`
}

// AnalyticsConfig controls the performance analyzer, per spec.md §4.7.
type AnalyticsConfig struct {
	RiskFreeRateAnnual decimal.Decimal `json:"riskFreeRateAnnual" mapstructure:"risk_free_rate_annual"`
}

// ValidationConfig configures the outer walk-forward/Monte Carlo layer
// (internal/validation), not the core itself.
type ValidationConfig struct {
	WalkForward WalkForwardConfig `json:"walkForward,omitempty" mapstructure:"walk_forward"`
	MonteCarlo  MonteCarloConfig  `json:"monteCarlo,omitempty" mapstructure:"monte_carlo"`
}

// WalkForwardConfig represents walk-forward analysis configuration.
type WalkForwardConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	WindowDays int  `json:"windowDays" mapstructure:"window_days"`
	StepDays   int  `json:"stepDays" mapstructure:"step_days"`
	MinSamples int  `json:"minSamples" mapstructure:"min_samples"`
}

// MonteCarloConfig represents Monte Carlo trade-resampling configuration.
type MonteCarloConfig struct {
	Enabled         bool            `json:"enabled" mapstructure:"enabled"`
	Iterations      int             `json:"iterations" mapstructure:"iterations"`
	ConfidenceLevel decimal.Decimal `json:"confidenceLevel" mapstructure:"confidence_level"`
}

// BacktestProgress represents the progress of a running backtest, streamed
// by internal/api's Hub.
type BacktestProgress struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"` // "running", "completed", "failed", "cancelled"
	Progress        float64         `json:"progress"` // 0-100
	EventsProcessed uint64          `json:"eventsProcessed"`
	TotalEvents     uint64          `json:"totalEvents"`
	CurrentDate     time.Time       `json:"currentDate"`
	TradesExecuted  int             `json:"tradesExecuted"`
	CurrentEquity   decimal.Decimal `json:"currentEquity"`
	Error           string          `json:"error,omitempty"`
}

// ServerConfig represents the ops HTTP/WebSocket surface's configuration.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	MetricsPort    int           `json:"metricsPort" mapstructure:"metrics_port"`
}

// DataConfig represents data storage configuration for the Data Handler.
type DataConfig struct {
	DataDir   string `json:"dataDir" mapstructure:"data_dir"`
	CacheSize int    `json:"cacheSize" mapstructure:"cache_size"` // MB
}
