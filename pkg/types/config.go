// Package types provides configuration types for the backtest backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig represents server configuration
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}

// StorageConfig represents data storage configuration
type StorageConfig struct {
	SQLitePath string `json:"sqlitePath" mapstructure:"sqlite_path"`
	DataDir    string `json:"dataDir" mapstructure:"data_dir"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level    string `json:"level" mapstructure:"level"`
	Encoding string `json:"encoding" mapstructure:"encoding"` // "console", "json"
}

// SweepConfig represents parameter sweep defaults and limits
type SweepConfig struct {
	DefaultShortPeriods []int           `json:"defaultShortPeriods" mapstructure:"default_short_periods"`
	DefaultLongPeriods  []int           `json:"defaultLongPeriods" mapstructure:"default_long_periods"`
	MaxShortPeriod      int             `json:"maxShortPeriod" mapstructure:"max_short_period"`
	MaxLongPeriod       int             `json:"maxLongPeriod" mapstructure:"max_long_period"`
	Workers             int             `json:"workers" mapstructure:"workers"`
	DefaultInitialCash  decimal.Decimal `json:"defaultInitialCash" mapstructure:"-"`
}
