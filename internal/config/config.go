package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration shared by the stockwatch client,
// CLI and reference server.
type Config struct {
	Client   Client   `yaml:"client"`
	Polling  Polling  `yaml:"polling"`
	Mutation Mutation `yaml:"mutation"`
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Cache    Cache    `yaml:"cache"`
	Logging  Logging  `yaml:"logging"`
}

// Client holds how the engine reaches the backend.
type Client struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Polling controls the refresh scheduler and its rate-limit gate.
type Polling struct {
	WatchlistInterval time.Duration `yaml:"watchlist_interval"`
	DetailInterval    time.Duration `yaml:"detail_interval"`
	ClosedInterval    time.Duration `yaml:"closed_interval"`
	FirstDelay        time.Duration `yaml:"first_delay"`
	MinSpacing        time.Duration `yaml:"min_spacing"`
	DefaultCooldown   time.Duration `yaml:"default_cooldown"`
	StaleThreshold    int           `yaml:"stale_threshold"`
	MarketHours       bool          `yaml:"market_hours"`
}

// Mutation tunes the mutation coordinator.
type Mutation struct {
	ClearConcurrency int `yaml:"clear_concurrency"`
}

// Server holds the reference backend's listener and limits.
type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
}

// Storage holds paths and DSNs for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
	Journal     bool   `yaml:"journal"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Cache configures the server-side quote cache. An empty RedisAddr selects the
// in-process cache.
type Cache struct {
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	QuoteTTL  time.Duration `yaml:"quote_ttl"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration. Load starts from it, so a YAML
// file only needs the keys it changes.
func Default() *Config {
	return &Config{
		Client: Client{
			BaseURL:     "http://localhost:8080",
			CallTimeout: 10 * time.Second,
		},
		Polling: Polling{
			WatchlistInterval: 15 * time.Second,
			DetailInterval:    5 * time.Second,
			ClosedInterval:    5 * time.Minute,
			FirstDelay:        time.Second,
			MinSpacing:        2 * time.Second,
			DefaultCooldown:   60 * time.Second,
			StaleThreshold:    3,
			MarketHours:       true,
		},
		Mutation: Mutation{
			ClearConcurrency: 4,
		},
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			RateLimitPerMin: 120,
			RateLimitBurst:  10,
		},
		Storage: Storage{
			DataDir:    "data",
			Driver:     "sqlite",
			SQLitePath: "data/stockwatch.db",
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
			Feed:    "iex",
		},
		Cache: Cache{
			QuoteTTL: 5 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default(),
// loads a .env file from the working directory if one exists, and then
// applies environment variable overrides. An empty path skips the YAML step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOCKWATCH_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("STOCKWATCH_TOKEN"); v != "" {
		cfg.Client.Token = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		cfg.Storage.Driver = "postgres"
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
