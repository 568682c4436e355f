// Package config loads process settings from the environment and the
// source catalog from YAML.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process configuration.
type Config struct {
	CatalogPath    string
	LogLevel       string
	LogFormat      string
	ResolveTimeout time.Duration
	// DatabaseURL selects the PostgreSQL receipt store. Empty uses SQLitePath.
	DatabaseURL  string
	SQLitePath   string
	RedisAddr    string
	OTelEnabled  bool
	OTelEndpoint string
	// TokenSecret verifies HS256 caller tokens.
	TokenSecret string
	Environment string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		CatalogPath:    envOr("FEDRESOLVE_CONFIG", "fedresolve.yaml"),
		LogLevel:       strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFormat:      strings.ToLower(envOr("LOG_FORMAT", "text")),
		ResolveTimeout: durationOr("RESOLVE_TIMEOUT", 2*time.Second),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     envOr("FEDRESOLVE_SQLITE_PATH", "fedresolve.db"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTelEnabled:    boolOr("OTEL_ENABLED", false),
		OTelEndpoint:   envOr("OTEL_ENDPOINT", "localhost:4317"),
		TokenSecret:    os.Getenv("FEDRESOLVE_TOKEN_SECRET"),
		Environment:    envOr("FEDRESOLVE_ENV", "development"),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// durationOr ignores unparsable or non-positive values.
func durationOr(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func boolOr(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}
