// Package config loads server settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/quote"
	"github.com/atmx/paper-trader/internal/refresh"
)

// Config holds all server settings. Environment variables are the upper-case
// form of the mapstructure keys (PORT, DATABASE_URL, ...).
type Config struct {
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`

	SessionKey      string          `mapstructure:"session_key"`
	SeedBalanceRaw  string          `mapstructure:"seed_balance"`
	SeedBalance     decimal.Decimal `mapstructure:"-"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval"`
	CacheTTL        time.Duration   `mapstructure:"cache_ttl"`

	CoinGeckoBaseURL string        `mapstructure:"coingecko_base_url"`
	CoinGeckoAPIKey  string        `mapstructure:"coingecko_api_key"`
	QuoteCurrency    string        `mapstructure:"quote_currency"`
	QuoteRateLimit   int           `mapstructure:"quote_rate_limit"`
	QuoteTimeout     time.Duration `mapstructure:"quote_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("session_key", ledger.DefaultSessionKey)
	v.SetDefault("seed_balance", ledger.DefaultSeedBalance.String())
	v.SetDefault("refresh_interval", refresh.DefaultInterval)
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("coingecko_base_url", quote.DefaultBaseURL)
	v.SetDefault("coingecko_api_key", "")
	v.SetDefault("quote_currency", quote.DefaultCurrency)
	v.SetDefault("quote_rate_limit", quote.DefaultRateLimit)
	v.SetDefault("quote_timeout", quote.DefaultTimeout)
}

// Load reads defaults, then the file named by CONFIG_FILE (if any), then the
// environment, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be a TCP port, got %q", c.Port))
	}

	seed, err := decimal.NewFromString(strings.TrimSpace(c.SeedBalanceRaw))
	if err != nil || !seed.IsPositive() {
		errs = append(errs, fmt.Errorf("SEED_BALANCE must be a positive amount, got %q", c.SeedBalanceRaw))
	}
	c.SeedBalance = seed

	if strings.TrimSpace(c.SessionKey) == "" {
		errs = append(errs, errors.New("SESSION_KEY must not be empty"))
	}
	if c.RefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL must be at least 1s, got %s", c.RefreshInterval))
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.QuoteRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("QUOTE_RATE_LIMIT must be positive, got %d", c.QuoteRateLimit))
	}
	if c.QuoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QUOTE_TIMEOUT must be positive, got %s", c.QuoteTimeout))
	}
	if strings.TrimSpace(c.QuoteCurrency) == "" {
		errs = append(errs, errors.New("QUOTE_CURRENCY must not be empty"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return lvl, nil
}
