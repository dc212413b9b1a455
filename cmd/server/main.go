// Package main provides the entry point for the backtest server: single
// strategy runs, EMA parameter sweeps and their queries over HTTP, with
// sweep progress streamed over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/api"
	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/config"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/logging"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/sweep"
	"github.com/atlas-desktop/backtest-lab/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags; explicit flags override the config file.
	configPath := flag.String("config", getEnvOrDefault("BACKTEST_CONFIG", ""), "Path to YAML config file")
	host := flag.String("host", "", "Server host")
	port := flag.Int("port", 0, "Server port")
	dbPath := flag.String("db", "", "SQLite database path")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.SQLitePath = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting backtest server",
		zap.String("addr", cfg.Addr()),
		zap.String("sqlite", cfg.Storage.SQLitePath),
		zap.Int("sweepWorkers", cfg.Sweep.Workers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
		logger.Fatal("Failed to create database directory", zap.Error(err))
	}
	store, err := data.NewSQLiteStore(logger, cfg.Storage.SQLitePath)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer store.Close()

	var metrics *telemetry.Metrics
	engineOpts := []backtester.EngineOption{}
	if cfg.Server.EnableMetrics {
		metrics = telemetry.New(true)
		engineOpts = append(engineOpts, backtester.WithRecorder(metrics))
	}
	engine := backtester.NewEngine(logger, store, engineOpts...)

	registry := strategy.NewRegistry(logger)
	logger.Info("Registered strategies", zap.Strings("strategies", registry.List()))

	// Setup WebSocket hub for sweep progress
	wsHub := api.NewHub(logger)
	go wsHub.Run(ctx)

	sweepOpts := []sweep.Option{sweep.WithProgress(wsHub.SweepProgress)}
	if metrics != nil {
		sweepOpts = append(sweepOpts, sweep.WithRecorder(metrics))
	}
	sweeper := sweep.NewSweeper(logger, engine, store, sweep.ConfigFrom(cfg.Sweep), sweepOpts...)

	server := api.NewServer(logger, &cfg.Server, api.Deps{
		Store:       store,
		Engine:      engine,
		Registry:    registry,
		Sweeper:     sweeper,
		Hub:         wsHub,
		Metrics:     metrics,
		DefaultCash: cfg.Sweep.DefaultInitialCash,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s%s", cfg.Addr(), cfg.Server.WebSocketPath)),
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.Addr())),
	)

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("Server error", zap.Error(err))
	}

	cancel()

	// Graceful server shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
