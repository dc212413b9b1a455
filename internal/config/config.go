// Package config loads application settings from defaults, an optional
// YAML file and BACKTEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BACKTEST_SERVER_PORT.
const EnvPrefix = "BACKTEST"

// Config is the full application configuration.
type Config struct {
	Server  types.ServerConfig  `mapstructure:"server"`
	Storage types.StorageConfig `mapstructure:"storage"`
	Logging types.LoggingConfig `mapstructure:"logging"`
	Sweep   types.SweepConfig   `mapstructure:"sweep"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("storage.sqlite_path", "./data/backtest.db")
	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")

	v.SetDefault("sweep.default_short_periods", periodRange(3, 20))
	v.SetDefault("sweep.default_long_periods", periodRange(10, 60))
	v.SetDefault("sweep.max_short_period", 20)
	v.SetDefault("sweep.max_long_period", 60)
	v.SetDefault("sweep.workers", 1)
	v.SetDefault("sweep.default_initial_cash", "10000")
}

func periodRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cash, err := decimal.NewFromString(v.GetString("sweep.default_initial_cash"))
	if err != nil {
		return nil, fmt.Errorf("invalid sweep.default_initial_cash: %w", err)
	}
	cfg.Sweep.DefaultInitialCash = cash

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}
	if c.Sweep.MaxShortPeriod <= 0 || c.Sweep.MaxLongPeriod <= 0 {
		return errors.New("sweep period limits must be positive")
	}
	if !c.Sweep.DefaultInitialCash.IsPositive() {
		return errors.New("sweep.default_initial_cash must be positive")
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
