package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.WebSocketPath != "/ws" {
		t.Errorf("Expected /ws, got %s", cfg.Server.WebSocketPath)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Expected 15s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if len(cfg.Sweep.DefaultShortPeriods) != 18 || cfg.Sweep.DefaultShortPeriods[0] != 3 {
		t.Errorf("Unexpected short periods: %v", cfg.Sweep.DefaultShortPeriods)
	}
	if len(cfg.Sweep.DefaultLongPeriods) != 51 || cfg.Sweep.DefaultLongPeriods[50] != 60 {
		t.Errorf("Unexpected long periods: %v", cfg.Sweep.DefaultLongPeriods)
	}
	if !cfg.Sweep.DefaultInitialCash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Expected default cash 10000, got %s", cfg.Sweep.DefaultInitialCash)
	}
	if cfg.Addr() != "localhost:8080" {
		t.Errorf("Unexpected addr %s", cfg.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backtest.yaml")
	content := `
server:
  port: 9090
storage:
  sqlite_path: /tmp/test.db
logging:
  level: debug
  encoding: json
sweep:
  default_short_periods: [5, 10]
  max_long_period: 100
  default_initial_cash: "2500.50"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("BACKTEST_SWEEP_WORKERS", "4")
	t.Setenv("BACKTEST_SERVER_HOST", "0.0.0.0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected env host override, got %s", cfg.Server.Host)
	}
	if cfg.Storage.SQLitePath != "/tmp/test.db" {
		t.Errorf("Unexpected sqlite path %s", cfg.Storage.SQLitePath)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Encoding != "json" {
		t.Errorf("Unexpected logging config %+v", cfg.Logging)
	}
	if len(cfg.Sweep.DefaultShortPeriods) != 2 || cfg.Sweep.DefaultShortPeriods[1] != 10 {
		t.Errorf("Unexpected short periods %v", cfg.Sweep.DefaultShortPeriods)
	}
	if cfg.Sweep.MaxLongPeriod != 100 {
		t.Errorf("Expected max long 100, got %d", cfg.Sweep.MaxLongPeriod)
	}
	if cfg.Sweep.Workers != 4 {
		t.Errorf("Expected 4 workers from env, got %d", cfg.Sweep.Workers)
	}
	if !cfg.Sweep.DefaultInitialCash.Equal(decimal.RequireFromString("2500.5")) {
		t.Errorf("Unexpected cash %s", cfg.Sweep.DefaultInitialCash)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BACKTEST_SWEEP_DEFAULT_INITIAL_CASH", "-5")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for negative initial cash")
	}

	t.Setenv("BACKTEST_SWEEP_DEFAULT_INITIAL_CASH", "abc")
	if _, err := Load(""); err == nil {
		t.Error("Expected error for unparsable initial cash")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}
}
