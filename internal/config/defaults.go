package config

import "time"

const (
	DefaultPort            = "8080"
	DefaultShutdownTimeout = 10 * time.Second

	DefaultSQLitePath = "paper.db"
	DefaultCacheTTL   = 5 * time.Minute

	DefaultFeedURL        = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultPingInterval   = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultHistorySize    = 1200

	DefaultGammaURL        = "https://gamma-api.polymarket.com"
	DefaultCatalogCacheTTL = 60 * time.Second

	DefaultStartingBalance = "10000"
	DefaultFlushInterval   = 5 * time.Second

	DefaultNATSPrefix = "paper"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultLeverageLevels are the leverage multipliers offered to users.
var DefaultLeverageLevels = []int{1, 2, 5, 10}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = DefaultSQLitePath
	}
	if c.Storage.CacheTTL <= 0 {
		c.Storage.CacheTTL = DefaultCacheTTL
	}

	if c.Feed.URL == "" {
		c.Feed.URL = DefaultFeedURL
	}
	if c.Feed.PingInterval <= 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.ReconnectDelay <= 0 {
		c.Feed.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Feed.HistorySize <= 0 {
		c.Feed.HistorySize = DefaultHistorySize
	}

	if c.Catalog.BaseURL == "" {
		c.Catalog.BaseURL = DefaultGammaURL
	}
	if c.Catalog.CacheTTL <= 0 {
		c.Catalog.CacheTTL = DefaultCatalogCacheTTL
	}

	if c.Trading.StartingBalance == "" {
		c.Trading.StartingBalance = DefaultStartingBalance
	}
	if len(c.Trading.LeverageLevels) == 0 {
		c.Trading.LeverageLevels = append([]int(nil), DefaultLeverageLevels...)
	}
	if c.Trading.FlushInterval <= 0 {
		c.Trading.FlushInterval = DefaultFlushInterval
	}

	if c.NATS.Prefix == "" {
		c.NATS.Prefix = DefaultNATSPrefix
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
