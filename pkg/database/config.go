package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Pool defaults. The engine's write volume is one ledger row per firing,
// so the pool stays small.
const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// LoadConfigFromEnv assembles the ledger database configuration from the
// DB_* environment variables, matching the deployment manifests.
// DB_PASSWORD has no default on purpose.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            5432,
		User:            envOr("DB_USER", "pushpilot"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "pushpilot"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}

	if raw := os.Getenv("DB_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_PORT %q: %w", raw, err)
		}
		cfg.Port = port
	}
	if raw := os.Getenv("DB_MAX_OPEN_CONNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxOpenConns = n
		}
	}
	if raw := os.Getenv("DB_MAX_IDLE_CONNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.MaxIdleConns = n
		}
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
