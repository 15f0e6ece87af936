package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if !validPort(c.Server.Port) {
		return fmt.Errorf("server.port must be between 1 and 65535, got %q", c.Server.Port)
	}

	if err := validateURL("feed.url", c.Feed.URL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("catalog.base_url", c.Catalog.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}

	balance, err := decimal.NewFromString(c.Trading.StartingBalance)
	if err != nil || !balance.IsPositive() {
		return fmt.Errorf("trading.starting_balance must be a positive number, got %q", c.Trading.StartingBalance)
	}
	for _, lv := range c.Trading.LeverageLevels {
		if lv < 1 {
			return fmt.Errorf("trading.leverage_levels must be >= 1, got %d", lv)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL: %q", field, raw)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s must use %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
	}
	return nil
}
