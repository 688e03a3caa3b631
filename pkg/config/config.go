// Package config loads process configuration from the environment, with
// an optional YAML deployment profile layered on top for thresholds,
// quotas, and backend selection.
package config

import (
	"os"
	"strconv"
)

// Config holds process-level configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string // postgres audit store; empty selects sqlite
	SQLitePath     string
	RedisURL       string // distributed rate limiter; empty selects local buckets
	PolicyURL      string // external policy engine; empty selects CEL
	ScorerURL      string // external model scorer; empty selects rules-only
	OTLPEndpoint   string
	ProfilePath    string // YAML deployment profile
	SingleTenant   bool
	ApprovalSecret string // HMAC secret for human sign-off tokens
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     getenv("SQLITE_PATH", "concord.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		PolicyURL:      os.Getenv("POLICY_ENGINE_URL"),
		ScorerURL:      os.Getenv("SCORER_URL"),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		ProfilePath:    os.Getenv("PROFILE_PATH"),
		SingleTenant:   getbool("SINGLE_TENANT", false),
		ApprovalSecret: os.Getenv("APPROVAL_SECRET"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
