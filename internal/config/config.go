// Package config provides configuration management for the trailing stop engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Trail   TrailConfig   `mapstructure:"trail"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// GatewayConfig holds broker gateway connection configuration.
type GatewayConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       int           `mapstructure:"client_id"`
	Account        string        `mapstructure:"account"`
	Paper          bool          `mapstructure:"paper"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReconnectBase  time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// TrailConfig holds default trailing stop settings for new groups.
type TrailConfig struct {
	Mode             string  `mapstructure:"mode"`               // "percent" or "absolute"
	Value            float64 `mapstructure:"value"`              // 10 = 10% or $10
	TriggerPriceType string  `mapstructure:"trigger_price_type"` // mark, mid, bid, ask, last
	StopType         string  `mapstructure:"stop_type"`          // "market" or "limit"
	LimitOffset      float64 `mapstructure:"limit_offset"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tws-trailstop"
	}
	return filepath.Join(home, ".config", "tws-trailstop")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := writeTemplate(configDir); err != nil {
			return nil, fmt.Errorf("writing config template: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "tws-trailstop")

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 7497)
	v.SetDefault("gateway.client_id", 17)
	v.SetDefault("gateway.paper", false)
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("gateway.reconnect_base", time.Second)
	v.SetDefault("gateway.reconnect_max", time.Minute)

	v.SetDefault("trail.mode", "percent")
	v.SetDefault("trail.value", 10.0)
	v.SetDefault("trail.trigger_price_type", "mark")
	v.SetDefault("trail.stop_type", "market")
	v.SetDefault("trail.limit_offset", 0.0)

	v.SetDefault("store.path", filepath.Join(base, "trailstop.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(base, "logs", "trailstop.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWS_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("TWS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = p
		}
	}
	if v := os.Getenv("TWS_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.ClientID = id
		}
	}
	if v := os.Getenv("TWS_ACCOUNT"); v != "" {
		cfg.Gateway.Account = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Trail.Mode != "percent" && c.Trail.Mode != "absolute" {
		return fmt.Errorf("invalid trail mode: %s (must be 'percent' or 'absolute')", c.Trail.Mode)
	}
	if c.Trail.Value <= 0 {
		return fmt.Errorf("trail value must be positive")
	}
	if c.Trail.Mode == "percent" && c.Trail.Value >= 100 {
		return fmt.Errorf("percent trail value must be below 100")
	}
	switch c.Trail.TriggerPriceType {
	case "mark", "mid", "bid", "ask", "last":
	default:
		return fmt.Errorf("invalid trigger_price_type: %s", c.Trail.TriggerPriceType)
	}
	if c.Trail.StopType != "market" && c.Trail.StopType != "limit" {
		return fmt.Errorf("invalid stop_type: %s (must be 'market' or 'limit')", c.Trail.StopType)
	}
	if c.Trail.LimitOffset < 0 {
		return fmt.Errorf("limit_offset must be non-negative")
	}
	return nil
}

func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}
	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(configTemplate), 0600)
}

const configTemplate = `# tws-trailstop configuration

[gateway]
host = "127.0.0.1"
port = 7497          # 7497 paper, 7496 live
client_id = 17
account = ""
paper = false
request_timeout = "10s"
reconnect_base = "1s"
reconnect_max = "1m"

[trail]
mode = "percent"               # "percent" or "absolute"
value = 10.0
trigger_price_type = "mark"    # mark, mid, bid, ask, last
stop_type = "market"           # "market" or "limit"
limit_offset = 0.0

[store]
# path = "~/.config/tws-trailstop/trailstop.db"

[logging]
level = "info"
console = true
file = true
`
