// Package config loads the service configuration from a YAML file with
// environment-variable overrides (yaml + env struct tags) plus a .env
// loader for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Identities holds the per-tier API key lists loaded at boot.
type Identities struct {
	Internal []string `yaml:"internal"`
	Public   []string `yaml:"public"`
	Admin    []string `yaml:"admin"`
}

// RateLimits holds the per-tier requests-per-minute budgets (0 = unlimited).
type RateLimits struct {
	Internal   int `yaml:"internal"`
	PublicFree int `yaml:"public_free"`
	Admin      int `yaml:"admin"`
}

// Config is the full set of service configuration options.
type Config struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`

	StoreURL       string `yaml:"store_url" env:"STORE_URL"`
	StorePoolSize  int    `yaml:"store_pool_size" env:"STORE_POOL_SIZE"`
	StoreTimeoutMS int    `yaml:"store_timeout_ms" env:"STORE_TIMEOUT_MS"`

	BrokerURL       string `yaml:"broker_url" env:"BROKER_URL"`
	CacheLatestTTLS int    `yaml:"cache_latest_ttl_s" env:"CACHE_LATEST_TTL_S"`

	Identities Identities `yaml:"identities"`
	RateLimit  RateLimits `yaml:"rate_limit"`

	WSHeartbeatIntervalMS int `yaml:"ws_heartbeat_interval_ms" env:"WS_HEARTBEAT_INTERVAL_MS"`
	WSMaxConnections      int `yaml:"ws_max_connections" env:"WS_MAX_CONNECTIONS"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// QuoteAlias and BaseAlias resolve cross-exchange symbol aliases
	// e.g. quote_alias: {USDT: USD},
	// base_alias: {XBT: BTC}. Deployment-owned, never inferred.
	QuoteAlias map[string]string `yaml:"quote_alias"`
	BaseAlias  map[string]string `yaml:"base_alias"`

	// ClockSkewTolerance bounds how far a client-supplied observation
	// timestamp may lag/lead the server clock.
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance" env:"CLOCK_SKEW_TOLERANCE"`

	// Collector* configure the edge collector runtime (cmd/pricefeed
	// collect): batching thresholds, reconnect ceiling, and where to
	// post ingested batches.
	CollectorMaxBatchSize         int    `yaml:"collector_max_batch_size" env:"COLLECTOR_MAX_BATCH_SIZE"`
	CollectorMaxBatchAgeMS        int    `yaml:"collector_max_batch_age_ms" env:"COLLECTOR_MAX_BATCH_AGE_MS"`
	CollectorMaxReconnectAttempts int    `yaml:"collector_max_reconnect_attempts" env:"COLLECTOR_MAX_RECONNECT_ATTEMPTS"`
	CollectorIngestURL            string  `yaml:"collector_ingest_url" env:"COLLECTOR_INGEST_URL"`
	CollectorIngestAPIKey         string  `yaml:"collector_ingest_api_key" env:"COLLECTOR_INGEST_API_KEY"`
	CollectorMaxSendsPerSecond    float64 `yaml:"collector_max_sends_per_second" env:"COLLECTOR_MAX_SENDS_PER_SECOND"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		HTTPAddr:              ":8080",
		StorePoolSize:         20,
		StoreTimeoutMS:        5000,
		CacheLatestTTLS:       60,
		RateLimit:             RateLimits{Internal: 5000, PublicFree: 1000, Admin: 0},
		WSHeartbeatIntervalMS: 30000,
		WSMaxConnections:      10000,
		LogLevel:              "info",
		ClockSkewTolerance:    24 * time.Hour,
		QuoteAlias:            map[string]string{},
		BaseAlias:             map[string]string{},

		CollectorMaxBatchSize:         100,
		CollectorMaxBatchAgeMS:        2000,
		CollectorMaxReconnectAttempts: 10,
		CollectorMaxSendsPerSecond:    5,
	}
}

// Load reads path (if non-empty) over the defaults, then applies a local
// .env file (best-effort, silently skipped if absent) and explicit
// environment-variable overrides named by the `env` struct tag above.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // optional local override file; absence is fine

	applyEnvOverrides(&cfg)

	if cfg.StoreURL == "" {
		return Config{}, fmt.Errorf("store_url is required")
	}
	if cfg.BrokerURL == "" {
		return Config{}, fmt.Errorf("broker_url is required")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("STORE_URL"); ok {
		cfg.StoreURL = v
	}
	if v, ok := os.LookupEnv("STORE_POOL_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StorePoolSize = n
		}
	}
	if v, ok := os.LookupEnv("STORE_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StoreTimeoutMS = n
		}
	}
	if v, ok := os.LookupEnv("BROKER_URL"); ok {
		cfg.BrokerURL = v
	}
	if v, ok := os.LookupEnv("CACHE_LATEST_TTL_S"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheLatestTTLS = n
		}
	}
	if v, ok := os.LookupEnv("WS_HEARTBEAT_INTERVAL_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSHeartbeatIntervalMS = n
		}
	}
	if v, ok := os.LookupEnv("WS_MAX_CONNECTIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSMaxConnections = n
		}
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("CLOCK_SKEW_TOLERANCE"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClockSkewTolerance = d
		}
	}
	if v, ok := os.LookupEnv("COLLECTOR_MAX_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CollectorMaxBatchSize = n
		}
	}
	if v, ok := os.LookupEnv("COLLECTOR_MAX_BATCH_AGE_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CollectorMaxBatchAgeMS = n
		}
	}
	if v, ok := os.LookupEnv("COLLECTOR_MAX_RECONNECT_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CollectorMaxReconnectAttempts = n
		}
	}
	if v, ok := os.LookupEnv("COLLECTOR_INGEST_URL"); ok {
		cfg.CollectorIngestURL = v
	}
	if v, ok := os.LookupEnv("COLLECTOR_INGEST_API_KEY"); ok {
		cfg.CollectorIngestAPIKey = v
	}
	if v, ok := os.LookupEnv("COLLECTOR_MAX_SENDS_PER_SECOND"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CollectorMaxSendsPerSecond = f
		}
	}
}

// StoreTimeout is StoreTimeoutMS as a time.Duration.
func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

// CacheLatestTTL is CacheLatestTTLS as a time.Duration.
func (c Config) CacheLatestTTL() time.Duration {
	return time.Duration(c.CacheLatestTTLS) * time.Second
}

// WSHeartbeatInterval is WSHeartbeatIntervalMS as a time.Duration.
func (c Config) WSHeartbeatInterval() time.Duration {
	return time.Duration(c.WSHeartbeatIntervalMS) * time.Millisecond
}

// CollectorMaxBatchAge is CollectorMaxBatchAgeMS as a time.Duration.
func (c Config) CollectorMaxBatchAge() time.Duration {
	return time.Duration(c.CollectorMaxBatchAgeMS) * time.Millisecond
}
