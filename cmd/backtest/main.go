// Package main provides the backtest command line tool: single strategy
// runs, EMA parameter sweeps, best/summary queries and bar imports against
// the same SQLite database the server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/config"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/logging"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/sweep"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Price sources selectable with --source.
const (
	sourceSQLite  = "sqlite"
	sourceJSON    = "json"
	sourceParquet = "parquet"
)

// app holds flags and the components built from them for one invocation.
type app struct {
	configPath string
	dbPath     string
	dataDir    string
	logLevel   string
	output     string
	source     string

	cfg      *config.Config
	logger   *zap.Logger
	store    *data.SQLiteStore
	engine   *backtester.Engine
	registry *strategy.Registry
	sweeper  *sweep.Sweeper
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "backtest",
		Short:         "Daily-bar backtests and EMA crossover parameter sweeps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", os.Getenv("BACKTEST_CONFIG"), "Path to YAML config file")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	flags.StringVar(&a.dataDir, "data-dir", "", "Directory for JSON and Parquet bar files (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVarP(&a.output, "output", "o", outputText, "Output format: text, json or yaml")
	flags.StringVar(&a.source, "source", sourceSQLite, "Price source for runs: sqlite, json or parquet")

	rootCmd.AddCommand(
		newRunCmd(a),
		newSweepCmd(a),
		newBestCmd(a),
		newSummaryCmd(a),
		newImportCmd(a),
	)
	return rootCmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.SQLitePath = a.dbPath
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := validateOutput(a.output); err != nil {
		return err
	}
	a.cfg = cfg

	// Logs go to stderr so stdout carries only command output.
	a.logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Encoding, "stderr")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	a.store, err = data.NewSQLiteStore(a.logger, cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}

	var source backtester.PriceSource
	switch a.source {
	case sourceSQLite:
		source = a.store
	case sourceJSON:
		fs, err := data.NewFileStore(a.logger, filepath.Join(cfg.Storage.DataDir, "json"))
		if err != nil {
			return err
		}
		source = fs
	case sourceParquet:
		source = data.NewParquetStore(cfg.Storage.DataDir)
	default:
		return fmt.Errorf("unknown source %q (want sqlite, json or parquet)", a.source)
	}

	a.engine = backtester.NewEngine(a.logger, source)
	a.registry = strategy.NewRegistry(a.logger)
	a.sweeper = sweep.NewSweeper(a.logger, a.engine, a.store, sweep.ConfigFrom(cfg.Sweep))
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
