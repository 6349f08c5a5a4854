// Package config loads the handful of environment variables the
// checker and batcher processes need (spec.md §6 "Environment").
// There is no nested YAML config tree here -- this module's entire
// configuration surface is env vars, so a struct tree would have no
// document to parse.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the environment-derived settings shared by the checker
// and batcher command surfaces.
type Config struct {
	// DatabaseURL is the Postgres connection string (DATABASE_URL).
	DatabaseURL string
	// AppKey/AppSecret are the push-notification credentials.
	AppKey    string
	AppSecret string
	// CacheDir is the root of the per-account token cache
	// (cache/<account_username>/{java.json,xsts.json}).
	CacheDir string
	// RedisURL optionally backs the distributed snipe lock. Empty
	// means fall back to an in-process mutex.
	RedisURL string
	// ProxiesPerAccount bounds how many proxies each account's client
	// ring is seeded with at startup.
	ProxiesPerAccount int
	// HealthAddr is the listen address for the /healthz and /metrics
	// endpoints exposed by each long-running process.
	HealthAddr string
	// ScreenerBatchSize is how many names the batch screener pulls
	// per pass (spec.md §4.7: 1000).
	ScreenerBatchSize int
	// ScreenerConcurrency bounds parallel HEAD probes (spec.md §4.7: 25).
	ScreenerConcurrency int
	// ScreenerMinPeriod is the minimum time between batch passes
	// absent a retry-triggered pause (spec.md §4.7: 2s).
	ScreenerMinPeriod time.Duration
}

// Load reads configuration from the environment, optionally loading a
// .env file first (ignored if absent) for local runs.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AppKey:              os.Getenv("APP_KEY"),
		AppSecret:           os.Getenv("APP_SECRET"),
		CacheDir:            envOr("CACHE_DIR", "cache"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ProxiesPerAccount:   envIntOr("PROXIES_PER_ACCOUNT", 4),
		HealthAddr:          envOr("HEALTH_ADDR", ":9090"),
		ScreenerBatchSize:   envIntOr("SCREENER_BATCH_SIZE", 1000),
		ScreenerConcurrency: envIntOr("SCREENER_CONCURRENCY", 25),
		ScreenerMinPeriod:   time.Duration(envIntOr("SCREENER_MIN_PERIOD_MS", 2000)) * time.Millisecond,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL must be set")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
