package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"pricegrid/internal/grid"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr          string        `yaml:"addr"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	} `yaml:"server"`
	Feed struct {
		Source         string        `yaml:"source"` // binance | pyth
		Symbol         string        `yaml:"symbol"`
		URL            string        `yaml:"url"`
		Throttle       time.Duration `yaml:"throttle"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
		MaxRetries     int           `yaml:"max_retries"`
	} `yaml:"feed"`
	Chart struct {
		MaxPoints     int           `yaml:"max_points"`
		PriceStep     float64       `yaml:"price_step"`
		VisibleSteps  float64       `yaml:"visible_steps"`
		SmoothingMs   float64       `yaml:"smoothing_ms"`
		TimeWindow    time.Duration `yaml:"time_window"`
		TimeInterval  time.Duration `yaml:"time_interval"`
		Width         float64       `yaml:"width"`
		Height        float64       `yaml:"height"`
		FrameInterval time.Duration `yaml:"frame_interval"`
	} `yaml:"chart"`
	Wallet struct {
		InitialBalance float64 `yaml:"initial_balance"`
		Store          string  `yaml:"store"` // memory | sqlite | postgres | redis
		DSN            string  `yaml:"dsn"`
		Fallback       *bool   `yaml:"fallback"`
		ResetCron      string  `yaml:"reset_cron"`
		Redis          struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"wallet"`
	Tape struct {
		Enabled *bool  `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"tape"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads config from a YAML file (a missing file is fine), then applies
// environment variable overrides, then defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PRICEGRID_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PRICEGRID_FEED_SOURCE"); v != "" {
		cfg.Feed.Source = v
	}
	if v := os.Getenv("PRICEGRID_SYMBOL"); v != "" {
		cfg.Feed.Symbol = v
	}
	if v := os.Getenv("PRICEGRID_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("PRICEGRID_WALLET_STORE"); v != "" {
		cfg.Wallet.Store = v
	}
	if v := os.Getenv("PRICEGRID_WALLET_DSN"); v != "" {
		cfg.Wallet.DSN = v
	}
	if v := os.Getenv("PRICEGRID_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Wallet.InitialBalance = f
		}
	}
	if v := os.Getenv("PRICEGRID_RESET_CRON"); v != "" {
		cfg.Wallet.ResetCron = v
	}
	if v := os.Getenv("PRICEGRID_REDIS_ADDR"); v != "" {
		cfg.Wallet.Redis.Addr = v
	}
	if v := os.Getenv("PRICEGRID_REDIS_PASSWORD"); v != "" {
		cfg.Wallet.Redis.Password = v
	}
	if v := os.Getenv("PRICEGRID_TAPE_DIR"); v != "" {
		cfg.Tape.Dir = v
	}
	if v := os.Getenv("PRICEGRID_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PRICEGRID_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}

	if c.Feed.Source == "" {
		c.Feed.Source = "binance"
	}
	if c.Feed.Symbol == "" {
		c.Feed.Symbol = DefaultSymbol(c.Feed.Source)
	}
	if c.Feed.Throttle == 0 {
		c.Feed.Throttle = 250 * time.Millisecond
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = 2 * time.Second
	}
	if c.Feed.RetryDelay == 0 {
		c.Feed.RetryDelay = 3 * time.Second
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 3
	}

	if c.Chart.MaxPoints == 0 {
		c.Chart.MaxPoints = 100
	}
	if c.Chart.PriceStep == 0 {
		c.Chart.PriceStep = 200
	}
	if c.Chart.VisibleSteps == 0 {
		c.Chart.VisibleSteps = 10
	}
	if c.Chart.SmoothingMs == 0 {
		c.Chart.SmoothingMs = 500
	}
	if c.Chart.TimeWindow == 0 {
		c.Chart.TimeWindow = 25 * time.Second
	}
	if c.Chart.TimeInterval == 0 {
		c.Chart.TimeInterval = 5 * time.Second
	}
	if c.Chart.Width == 0 {
		c.Chart.Width = 800
	}
	if c.Chart.Height == 0 {
		c.Chart.Height = 300
	}
	if c.Chart.FrameInterval == 0 {
		c.Chart.FrameInterval = 33 * time.Millisecond
	}

	if c.Wallet.InitialBalance == 0 {
		c.Wallet.InitialBalance = 100
	}
	if c.Wallet.Store == "" {
		c.Wallet.Store = "memory"
	}
	if c.Wallet.Store == "sqlite" && c.Wallet.DSN == "" {
		c.Wallet.DSN = "data/pricegrid.db"
	}
	if c.Wallet.Fallback == nil {
		on := true
		c.Wallet.Fallback = &on
	}
	if c.Wallet.Redis.Addr == "" {
		c.Wallet.Redis.Addr = "localhost:6379"
	}

	if c.Tape.Enabled == nil {
		on := true
		c.Tape.Enabled = &on
	}
	if c.Tape.Dir == "" {
		c.Tape.Dir = "logs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// DefaultSymbol is the BTC instrument of each feed.
func DefaultSymbol(source string) string {
	if source == "pyth" {
		return "Crypto.BTC/USD"
	}
	return "btcusdt"
}

// GridParams derives the grid geometry from the chart section.
func (c *Config) GridParams() grid.Params {
	window := c.Chart.TimeWindow.Milliseconds()
	return grid.Params{
		Width:             c.Chart.Width,
		Height:            c.Chart.Height,
		PaddingY:          0.05 * c.Chart.Height,
		PriceStep:         c.Chart.PriceStep,
		VisiblePriceRange: c.Chart.PriceStep * c.Chart.VisibleSteps,
		PixelsPerMs:       c.Chart.Width / float64(window),
		TimeIntervalMs:    c.Chart.TimeInterval.Milliseconds(),
		TimeWindowMs:      window,
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Feed.Source {
	case "binance", "pyth":
	default:
		return fmt.Errorf("feed.source must be binance or pyth, got %q", c.Feed.Source)
	}
	if c.Feed.Throttle < 0 {
		return fmt.Errorf("feed.throttle must not be negative")
	}
	if c.Feed.MaxRetries < 0 {
		return fmt.Errorf("feed.max_retries must not be negative")
	}
	if c.Chart.MaxPoints <= 0 {
		return fmt.Errorf("chart.max_points must be positive")
	}
	if c.Chart.SmoothingMs < 0 {
		return fmt.Errorf("chart.smoothing_ms must not be negative")
	}
	if c.Chart.TimeWindow.Milliseconds() <= 0 || c.Chart.TimeInterval.Milliseconds() <= 0 {
		return fmt.Errorf("chart.time_window and chart.time_interval must be at least 1ms")
	}
	if err := c.GridParams().Validate(); err != nil {
		return fmt.Errorf("chart: %w", err)
	}
	if c.Wallet.InitialBalance <= 0 {
		return fmt.Errorf("wallet.initial_balance must be positive")
	}
	switch c.Wallet.Store {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.Wallet.DSN == "" {
			return fmt.Errorf("wallet.dsn is required for %s", c.Wallet.Store)
		}
	default:
		return fmt.Errorf("wallet.store must be memory, sqlite, postgres or redis, got %q", c.Wallet.Store)
	}
	return nil
}
