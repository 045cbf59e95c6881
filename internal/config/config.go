package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr    string
	DataDir       string
	BaseURL       string
	BackendURL    string
	SessionSecret string
	LogLevel      string

	// Persist selects session and usage state storage: "sqlite" keeps
	// state across restarts, "memory" scopes it to the process.
	Persist string

	MaxBatchBytes   int64
	QuotaTTL        time.Duration
	CleanupInterval time.Duration
	StaleStateAge   time.Duration
}

func Load() *Config {
	return &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		DataDir:         envOr("DATA_DIR", "./data"),
		BaseURL:         envOr("BASE_URL", "http://localhost:8080"),
		BackendURL:      envOr("COMPRESS_API_URL", "http://localhost:9000"),
		SessionSecret:   envOr("SESSION_SECRET", "change-me-in-production-32-bytes!"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		Persist:         envOr("PERSIST", "sqlite"),
		MaxBatchBytes:   envInt64Or("MAX_BATCH_BYTES", 500*1024*1024),
		QuotaTTL:        envDurOr("QUOTA_TTL", 5*time.Minute),
		CleanupInterval: envDurOr("CLEANUP_INTERVAL", time.Hour),
		StaleStateAge:   envDurOr("STALE_STATE_AGE", 30*24*time.Hour),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDurOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
