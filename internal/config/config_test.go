package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "stockwatch-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STOCKWATCH_BASE_URL", "STOCKWATCH_TOKEN", "DATA_DIR", "SQLITE_PATH",
		"DATABASE_URL", "PORT", "REDIS_ADDR", "ALPACA_DATA_URL", "LOG_LEVEL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
client:
  base_url: "http://api.example.com"
  call_timeout: 3s
polling:
  watchlist_interval: 30s
  detail_interval: 10s
  min_spacing: 1500ms
  default_cooldown: 2m
  stale_threshold: 5
mutation:
  clear_concurrency: 8
server:
  host: "127.0.0.1"
  port: 9000
  rate_limit_per_min: 60
storage:
  driver: "sqlite"
  sqlite_path: "/tmp/stockwatch/sw.db"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: "sip"
cache:
  redis_addr: "localhost:6379"
  quote_ttl: 10s
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Client --
	if cfg.Client.BaseURL != "http://api.example.com" {
		t.Errorf("Client.BaseURL = %q, want %q", cfg.Client.BaseURL, "http://api.example.com")
	}
	if cfg.Client.CallTimeout != 3*time.Second {
		t.Errorf("Client.CallTimeout = %v, want %v", cfg.Client.CallTimeout, 3*time.Second)
	}

	// -- Polling --
	if cfg.Polling.WatchlistInterval != 30*time.Second {
		t.Errorf("Polling.WatchlistInterval = %v, want 30s", cfg.Polling.WatchlistInterval)
	}
	if cfg.Polling.MinSpacing != 1500*time.Millisecond {
		t.Errorf("Polling.MinSpacing = %v, want 1.5s", cfg.Polling.MinSpacing)
	}
	if cfg.Polling.DefaultCooldown != 2*time.Minute {
		t.Errorf("Polling.DefaultCooldown = %v, want 2m", cfg.Polling.DefaultCooldown)
	}
	if cfg.Polling.StaleThreshold != 5 {
		t.Errorf("Polling.StaleThreshold = %d, want 5", cfg.Polling.StaleThreshold)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Polling.FirstDelay != time.Second {
		t.Errorf("Polling.FirstDelay = %v, want default 1s", cfg.Polling.FirstDelay)
	}
	if cfg.Polling.ClosedInterval != 5*time.Minute {
		t.Errorf("Polling.ClosedInterval = %v, want default 5m", cfg.Polling.ClosedInterval)
	}

	// -- Mutation --
	if cfg.Mutation.ClearConcurrency != 8 {
		t.Errorf("Mutation.ClearConcurrency = %d, want 8", cfg.Mutation.ClearConcurrency)
	}

	// -- Server --
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("Server = %s:%d, want 127.0.0.1:9000", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.RateLimitBurst != 10 {
		t.Errorf("Server.RateLimitBurst = %d, want default 10", cfg.Server.RateLimitBurst)
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca credentials = %q/%q", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca.Feed = %q, want %q", cfg.Alpaca.Feed, "sip")
	}

	// -- Cache --
	if cfg.Cache.RedisAddr != "localhost:6379" || cfg.Cache.QuoteTTL != 10*time.Second {
		t.Errorf("Cache = %+v", cfg.Cache)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestLoadNoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	def := Default()
	if cfg.Polling != def.Polling {
		t.Errorf("Polling = %+v, want defaults %+v", cfg.Polling, def.Polling)
	}
	if cfg.Client.CallTimeout != 10*time.Second {
		t.Errorf("Client.CallTimeout = %v, want 10s", cfg.Client.CallTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/stockwatch.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
client:
  token: "yaml-token"
`)

	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("STOCKWATCH_TOKEN", "env-token")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/sw?sslmode=disable")
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Client.Token != "env-token" {
		t.Errorf("Client.Token = %q, want %q", cfg.Client.Token, "env-token")
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q, want postgres when DATABASE_URL is set", cfg.Storage.Driver)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
}
