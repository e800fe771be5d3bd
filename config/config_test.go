package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `quoteflow:
  name: "TestApp"
  version: "1.0"
venue:
  rest_url: "https://data.test"
  market_ws_url: "wss://stream.test/v2"
  trade_ws_url: "wss://api.test/stream"
stream:
  feed: "sip"
  batch_size: 50
symbols:
  - AAPL
  - BTC/USD
`

func TestLoadConfig(t *testing.T) {
	t.Setenv(appEnvVar, "dev")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quoteflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Quoteflow.Name)
	}
	if cfg.Stream.BatchSize != 50 {
		t.Errorf("unexpected batch size: %d", cfg.Stream.BatchSize)
	}
	if len(cfg.Symbols) != 2 {
		t.Errorf("unexpected symbols: %v", cfg.Symbols)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(appEnvVar, "dev")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stream.ChannelBuffer != 1000 {
		t.Errorf("unexpected channel buffer default: %d", cfg.Stream.ChannelBuffer)
	}
	if cfg.Stream.MonitorInterval != 10*time.Second {
		t.Errorf("unexpected monitor interval default: %v", cfg.Stream.MonitorInterval)
	}
	if cfg.Stream.LivenessTimeout != 30*time.Second {
		t.Errorf("unexpected liveness timeout default: %v", cfg.Stream.LivenessTimeout)
	}
	if cfg.Metrics.ReportInterval != 30*time.Second {
		t.Errorf("unexpected report interval default: %v", cfg.Metrics.ReportInterval)
	}
}

func TestLoadConfigCredentialsFromEnv(t *testing.T) {
	t.Setenv(appEnvVar, "dev")
	t.Setenv("VENUE_KEY_ID", "key-from-env")
	t.Setenv("VENUE_SECRET_KEY", "secret-from-env")

	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venue.KeyID != "key-from-env" || cfg.Venue.SecretKey != "secret-from-env" {
		t.Errorf("credentials not taken from environment: %q %q", cfg.Venue.KeyID, cfg.Venue.SecretKey)
	}
}

func TestLoadConfigRejectsMissingSymbols(t *testing.T) {
	path := writeTempConfig(t, `quoteflow:
  name: "TestApp"
  version: "1.0"
venue:
  rest_url: "https://data.test"
  market_ws_url: "wss://stream.test/v2"
  trade_ws_url: "wss://api.test/stream"
stream:
  feed: "sip"
  batch_size: 50
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing symbols")
	}
}

func TestLoadConfigRequiresCredentialsInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("VENUE_KEY_ID", "")
	t.Setenv("VENUE_SECRET_KEY", "")

	path := writeTempConfig(t, minimalConfig)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing credentials in production")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", environmentDevelopment},
		{"dev", environmentDevelopment},
		{"prod", environmentProduction},
		{"stag", environmentStaging},
		{"Production", environmentProduction},
		{"qa", "qa"},
	}
	for _, tt := range tests {
		t.Run("env="+tt.value, func(t *testing.T) {
			t.Setenv(appEnvVar, tt.value)
			if got := AppEnvironment(); got != tt.want {
				t.Errorf("AppEnvironment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(environmentProduction) || !IsProductionLike(environmentStaging) {
		t.Error("production and staging should be production-like")
	}
	if IsProductionLike(environmentDevelopment) || IsProductionLike("qa") {
		t.Error("development and unknown environments should not be production-like")
	}
}
