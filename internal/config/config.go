// Package config loads a types.BacktestConfig (plus the outer
// ValidationConfig and ServerConfig) from a YAML/JSON file, the
// environment and command-line flags, via viper. Precedence follows
// viper's default: explicit flag > environment variable > config file >
// struct default.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// decimalDecodeHook converts a string or numeric config value into a
// decimal.Decimal, since mapstructure has no built-in knowledge of the
// type and viper's default hooks don't cover it.
func decimalDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return data, fmt.Errorf("cannot decode %T into decimal.Decimal", data)
	}
}

// timeDecodeHook parses an RFC3339 string into a time.Time, the format
// a YAML/JSON config file or environment variable carries a date in.
func timeDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	return time.Parse(time.RFC3339, s)
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook,
		timeDecodeHook,
	))
}

// EnvPrefix namespaces every environment variable this package reads,
// e.g. BACKTEST_EXECUTION_COMMISSION_PER_SHARE.
const EnvPrefix = "BACKTEST"

// Loader wraps a *viper.Viper bound to the shapes this module cares
// about. Callers set defaults, optionally point it at a config file,
// then call Load.
type Loader struct {
	v *viper.Viper
}

// New builds a Loader with spec.md's documented defaults pre-populated,
// so a run with no config file and no flags still has sane execution
// and analytics parameters.
func New() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeframe", string(types.Timeframe1d))
	v.SetDefault("indicators.sma_fast_period", 20)
	v.SetDefault("indicators.sma_slow_period", 100)
	v.SetDefault("indicators.volatility_window", 20)
	v.SetDefault("indicators.zscore_window", 60)
	v.SetDefault("indicators.kalman_process_noise", "1e-5")
	v.SetDefault("indicators.kalman_obs_noise", "1e-2")
	v.SetDefault("indicators.t_norm_clip", "3")
	v.SetDefault("regime.t_norm_bull_threshold", "0.5")
	v.SetDefault("regime.t_norm_bear_threshold", "-0.5")
	v.SetDefault("regime.vol_high_threshold", "1.0")
	v.SetDefault("regime.vol_low_threshold", "-0.5")
	v.SetDefault("regime.vol_crush_lookback", 20)
	v.SetDefault("regime.vol_crush_drop_fraction", "0.5")
	v.SetDefault("regime.cell1_exit_confirm_bars", 3)
	v.SetDefault("allocation.allow_treasury", true)
	v.SetDefault("allocation.bond_sma_fast_period", 10)
	v.SetDefault("allocation.bond_sma_slow_period", 30)
	v.SetDefault("allocation.max_bond_weight", "0.4")
	v.SetDefault("allocation.leverage_scalar", "1")
	v.SetDefault("allocation.rebalance_threshold", "0.025")
	v.SetDefault("execution.commission_per_share", "0.005")
	v.SetDefault("execution.slippage_percent", "0.0005")
	v.SetDefault("analytics.risk_free_rate_annual", "0.02")

	v.SetDefault("validation.walk_forward.enabled", false)
	v.SetDefault("validation.walk_forward.window_days", 252)
	v.SetDefault("validation.walk_forward.step_days", 63)
	v.SetDefault("validation.walk_forward.min_samples", 30)
	v.SetDefault("validation.monte_carlo.enabled", false)
	v.SetDefault("validation.monte_carlo.iterations", 1000)
	v.SetDefault("validation.monte_carlo.confidence_level", "0.95")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("data.data_dir", "./data")
	v.SetDefault("data.cache_size", 256)

	return &Loader{v: v}
}

// BindFile points the loader at a config file. Missing files are not an
// error: an absent file just leaves defaults/env/flags in force.
func (l *Loader) BindFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat config file %s: %w", path, err)
	}
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// LoadBacktestConfig unmarshals the bound sources into a
// types.BacktestConfig.
func (l *Loader) LoadBacktestConfig() (types.BacktestConfig, error) {
	var cfg types.BacktestConfig
	if err := l.v.Unmarshal(&cfg, decodeHook()); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal backtest config: %w", err)
	}
	return cfg, nil
}

// LoadValidationConfig unmarshals the walk-forward/Monte Carlo layer
// under the "validation" key.
func (l *Loader) LoadValidationConfig() (types.ValidationConfig, error) {
	var cfg types.ValidationConfig
	if err := l.v.UnmarshalKey("validation", &cfg, decodeHook()); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal validation config: %w", err)
	}
	return cfg, nil
}

// LoadServerConfig unmarshals the ops HTTP surface's configuration
// under the "server" key.
func (l *Loader) LoadServerConfig() (types.ServerConfig, error) {
	var cfg types.ServerConfig
	if err := l.v.UnmarshalKey("server", &cfg, decodeHook()); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	return cfg, nil
}

// LoadDataConfig unmarshals the Data Handler's storage configuration
// under the "data" key.
func (l *Loader) LoadDataConfig() (types.DataConfig, error) {
	var cfg types.DataConfig
	if err := l.v.UnmarshalKey("data", &cfg, decodeHook()); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal data config: %w", err)
	}
	return cfg, nil
}

// Set overrides a single key, used by cmd/backtest to layer its
// standard-library flag.Parse output onto the loader at the highest
// precedence, above file, env and default values.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}
