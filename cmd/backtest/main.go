// Package main provides the entry point for running a single backtest
// from the command line: load config, run the strategy over historical
// bars, and optionally layer walk-forward and Monte Carlo validation on
// top of the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/config"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/internal/validation"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML/JSON config file")
	dataDir := flag.String("data", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	symbols := flag.String("symbols", "", "Comma-separated equity symbols, overrides config")
	outFile := flag.String("out", "", "Write the JSON result to this path instead of stdout")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	loader := config.New()
	if err := loader.BindFile(*configFile); err != nil {
		logger.Fatal("failed to load config file", zap.Error(err))
	}
	if *dataDir != "" {
		loader.Set("data.data_dir", *dataDir)
	}
	if *symbols != "" {
		loader.Set("symbols", splitCSV(*symbols))
	}

	cfg, err := loader.LoadBacktestConfig()
	if err != nil {
		logger.Fatal("failed to load backtest config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid backtest config", zap.Error(err))
	}

	valCfg, err := loader.LoadValidationConfig()
	if err != nil {
		logger.Fatal("failed to load validation config", zap.Error(err))
	}

	dataCfg, err := loader.LoadDataConfig()
	if err != nil {
		logger.Fatal("failed to load data config", zap.Error(err))
	}

	logger.Info("starting backtest run",
		zap.String("id", cfg.ID),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("dataDir", dataCfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, cancelling run")
		cancel()
	}()

	store, err := data.NewStore(logger, dataCfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}

	rec := telemetry.NewRecorder()
	strat := strategy.NewRegimeStrategy(logger, cfg.ID, cfg)

	result, err := backtester.RunBacktest(ctx, logger, cfg, store, strat, rec)
	if err != nil {
		logger.Fatal("backtest run failed", zap.Error(err))
	}

	output := map[string]interface{}{"result": result}

	if valCfg.WalkForward.Enabled {
		logger.Info("running walk-forward validation")
		wfRunner := validation.NewWalkForwardRunner(logger, store)
		wfResult, err := wfRunner.Run(ctx, cfg, valCfg.WalkForward)
		if err != nil {
			logger.Error("walk-forward validation failed", zap.Error(err))
		} else {
			output["walkForward"] = wfResult
		}
	}

	if valCfg.MonteCarlo.Enabled {
		logger.Info("running monte carlo validation")
		mcRunner := validation.NewMonteCarloRunner(logger)
		output["monteCarlo"] = mcRunner.Run(result, cfg.InitialCapital, valCfg.MonteCarlo)
	}

	if err := writeResult(*outFile, output); err != nil {
		logger.Fatal("failed to write result", zap.Error(err))
	}

	logger.Info("backtest run complete",
		zap.Int("trades", len(result.TradeLedger)),
		zap.Int("eventsProcessed", result.EventsProcessed),
	)
}

func writeResult(path string, output map[string]interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file %s: %w", path, err)
		}
		defer f.Close()
		enc = json.NewEncoder(f)
	}
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
