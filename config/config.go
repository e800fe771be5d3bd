package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Quoteflow QuoteflowConfig `yaml:"quoteflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Venue     VenueConfig     `yaml:"venue"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Bus       BusConfig       `yaml:"bus"`
	Window    WindowConfig    `yaml:"window"`
	Polling   PollingConfig   `yaml:"polling"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Symbols   []string        `yaml:"symbols"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	ReportInterval time.Duration    `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type VenueConfig struct {
	RestURL        string               `yaml:"rest_url"`
	MarketWSURL    string               `yaml:"market_ws_url"`
	CryptoWSURL    string               `yaml:"crypto_ws_url"`
	TradeWSURL     string               `yaml:"trade_ws_url"`
	KeyID          string               `yaml:"key_id"`
	SecretKey      string               `yaml:"secret_key"`
	Timeout        time.Duration        `yaml:"timeout"`
	RetryMax       int                  `yaml:"retry_max"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StreamConfig struct {
	Feed              string        `yaml:"feed"`
	FallbackFeed      string        `yaml:"fallback_feed"`
	BatchSize         int           `yaml:"batch_size"`
	FallbackBatchSize int           `yaml:"fallback_batch_size"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	ChannelBuffer     int           `yaml:"channel_buffer"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
}

type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	ResetInterval time.Duration `yaml:"reset_interval"`
}

type BusConfig struct {
	Capacity       int           `yaml:"capacity"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

type WindowConfig struct {
	Size          int `yaml:"size"`
	DedupLookback int `yaml:"dedup_lookback"`
}

type PollingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BarInterval   time.Duration `yaml:"bar_interval"`
	OrderInterval time.Duration `yaml:"order_interval"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Stream: StreamConfig{
			BatchSize:       100,
			ChannelBuffer:   1000,
			MonitorInterval: 10 * time.Second,
			LivenessTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present so the file can be
	// committed without secrets.
	if v := os.Getenv("VENUE_KEY_ID"); v != "" {
		config.Venue.KeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("VENUE_SECRET_KEY"); v != "" {
		config.Venue.SecretKey = strings.TrimSpace(v)
	}
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}
	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if cfg.Venue.RestURL == "" {
		return fmt.Errorf("venue.rest_url is required")
	}
	if cfg.Venue.MarketWSURL == "" {
		return fmt.Errorf("venue.market_ws_url is required")
	}
	if cfg.Venue.TradeWSURL == "" {
		return fmt.Errorf("venue.trade_ws_url is required")
	}
	if IsProductionLike(AppEnvironment()) && (cfg.Venue.KeyID == "" || cfg.Venue.SecretKey == "") {
		return fmt.Errorf("venue.key_id and venue.secret_key are required in %s", AppEnvironment())
	}

	if cfg.Stream.BatchSize <= 0 {
		return fmt.Errorf("stream.batch_size must be greater than 0")
	}
	if cfg.Stream.FallbackBatchSize < 0 {
		return fmt.Errorf("stream.fallback_batch_size must not be negative")
	}
	if cfg.Stream.MonitorInterval <= 0 {
		return fmt.Errorf("stream.monitor_interval must be greater than 0")
	}
	if cfg.Stream.LivenessTimeout <= 0 {
		return fmt.Errorf("stream.liveness_timeout must be greater than 0")
	}

	if cfg.Bus.Capacity < 0 {
		return fmt.Errorf("bus.capacity must not be negative")
	}
	if cfg.Window.Size < 0 {
		return fmt.Errorf("window.size must not be negative")
	}

	if cfg.Polling.Enabled {
		if cfg.Polling.BarInterval <= 0 {
			return fmt.Errorf("polling.bar_interval must be greater than 0 when polling is enabled")
		}
		if cfg.Polling.OrderInterval <= 0 {
			return fmt.Errorf("polling.order_interval must be greater than 0 when polling is enabled")
		}
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}

	return nil
}
