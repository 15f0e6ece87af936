// Package config loads service configuration from an optional YAML file,
// an optional .env file and environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Feed    FeedConfig    `yaml:"feed"`
	Catalog CatalogConfig `yaml:"catalog"`
	Trading TradingConfig `yaml:"trading"`
	NATS    NATSConfig    `yaml:"nats"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence tiers. An empty DatabaseURL keeps
// ledgers in the local SQLite file only.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	SQLitePath  string        `yaml:"sqlite_path"` // local fallback, or ":memory:"
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// FeedConfig controls the upstream market channel.
type FeedConfig struct {
	URL            string        `yaml:"url"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CustomFeatures bool          `yaml:"custom_features"`
	HistorySize    int           `yaml:"history_size"`
}

// CatalogConfig controls the Gamma client and proxy.
type CatalogConfig struct {
	BaseURL  string        `yaml:"base_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TradingConfig holds the simulation rules.
type TradingConfig struct {
	StartingBalance string        `yaml:"starting_balance"`
	LeverageLevels  []int         `yaml:"leverage_levels"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads path, when it exists, and applies .env and environment
// overrides, defaults and validation. An empty path or a missing file
// yields a configuration built from defaults and the environment.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// StartingBalance returns the parsed starting balance. Validate guarantees
// it parses.
func (c *Config) StartingBalance() decimal.Decimal {
	d, err := decimal.NewFromString(c.Trading.StartingBalance)
	if err != nil {
		return decimal.RequireFromString(DefaultStartingBalance)
	}
	return d
}

// applyEnvOverrides replaces values with environment variables when set.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"PORT", &c.Server.Port},
		{"DATABASE_URL", &c.Storage.DatabaseURL},
		{"REDIS_URL", &c.Storage.RedisURL},
		{"SQLITE_PATH", &c.Storage.SQLitePath},
		{"NATS_URL", &c.NATS.URL},
		{"FEED_URL", &c.Feed.URL},
		{"GAMMA_URL", &c.Catalog.BaseURL},
		{"STARTING_BALANCE", &c.Trading.StartingBalance},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
}

// Logger builds the structured logger described by c.Log.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n < 65536
}
