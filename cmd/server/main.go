// Package main provides the entry point for the backtest ops server:
// a minimal HTTP/WebSocket surface for submitting backtest runs against
// an in-memory data store and watching their progress.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/backtest-core/internal/api"
	"github.com/atlas-desktop/backtest-core/internal/config"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
)

func main() {
	host := flag.String("host", "", "Server host, overrides config")
	port := flag.Int("port", 0, "Server port, overrides config")
	dataDir := flag.String("data", "", "Data directory, overrides config")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configFile := flag.String("config", "", "Path to a YAML/JSON config file")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	loader := config.New()
	if err := loader.BindFile(*configFile); err != nil {
		logger.Fatal("failed to load config file", zap.Error(err))
	}
	if *host != "" {
		loader.Set("server.host", *host)
	}
	if *port != 0 {
		loader.Set("server.port", *port)
	}
	if *dataDir != "" {
		loader.Set("data.data_dir", *dataDir)
	}

	serverCfg, err := loader.LoadServerConfig()
	if err != nil {
		logger.Fatal("failed to load server config", zap.Error(err))
	}
	dataCfg, err := loader.LoadDataConfig()
	if err != nil {
		logger.Fatal("failed to load data config", zap.Error(err))
	}

	logger.Info("starting backtest ops server",
		zap.String("host", serverCfg.Host),
		zap.Int("port", serverCfg.Port),
		zap.String("dataDir", dataCfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataStore, err := data.NewStore(logger, dataCfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}

	var rec *telemetry.Recorder
	if serverCfg.EnableMetrics {
		rec = telemetry.NewRecorder()
	}

	server := api.NewServer(logger, serverCfg, dataStore, rec)
	listenAddr := serverCfg.Host + ":" + strconv.Itoa(serverCfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(listenAddr); err != nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("server started", zap.String("addr", listenAddr))

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
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
