package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/concord-mesh/concord/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SINGLE_TENANT", "")
	t.Setenv("OTLP_ENDPOINT", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "concord.db", cfg.SQLitePath)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.SingleTenant)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://audit:5432/concord")
	t.Setenv("POLICY_ENGINE_URL", "http://policy:8181")
	t.Setenv("SINGLE_TENANT", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://audit:5432/concord", cfg.DatabaseURL)
	assert.Equal(t, "http://policy:8181", cfg.PolicyURL)
	assert.True(t, cfg.SingleTenant)
}

func TestBadBoolFallsBack(t *testing.T) {
	t.Setenv("SINGLE_TENANT", "banana")
	cfg := config.Load()
	assert.False(t, cfg.SingleTenant)
}
