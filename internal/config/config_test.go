// Package config tests configuration loading.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-project/castellan/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("CASTELLAN_LOG_LEVEL")
	os.Unsetenv("CASTELLAN_DATABASE_HOST")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)

	// Database defaults
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "castellan", cfg.Database.Database)
	assert.Equal(t, "castellan", cfg.Database.Username)
	assert.Equal(t, "prefer", cfg.Database.SSLMode)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)

	// Vault defaults
	assert.False(t, cfg.Vault.Enabled)
	assert.Equal(t, "http://localhost:8200", cfg.Vault.Address)
	assert.Equal(t, "transit", cfg.Vault.TransitMount)
	assert.Equal(t, 10*time.Second, cfg.Vault.Timeout)

	// Core defaults
	assert.Equal(t, "@hourly", cfg.Keys.RotationSweep)
	assert.Equal(t, 256, cfg.Keys.DefaultKeySize)
	assert.True(t, cfg.Keys.RequireApproval)
	assert.Equal(t, 1000, cfg.Audit.ChainSize)
	assert.Equal(t, 5*time.Minute, cfg.Access.CacheTTL)

	// Observability defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.InDelta(t, 0.1, cfg.Telemetry.SampleRate, 0.001)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("CASTELLAN_LOG_LEVEL", "debug")
	os.Setenv("CASTELLAN_DATABASE_HOST", "postgres.example.com")
	os.Setenv("CASTELLAN_VAULT_ADDRESS", "https://vault.example.com:8200")
	os.Setenv("CASTELLAN_AUDIT_CHAIN_SIZE", "500")
	defer func() {
		os.Unsetenv("CASTELLAN_LOG_LEVEL")
		os.Unsetenv("CASTELLAN_DATABASE_HOST")
		os.Unsetenv("CASTELLAN_VAULT_ADDRESS")
		os.Unsetenv("CASTELLAN_AUDIT_CHAIN_SIZE")
	}()

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres.example.com", cfg.Database.Host)
	assert.Equal(t, "https://vault.example.com:8200", cfg.Vault.Address)
	assert.Equal(t, 500, cfg.Audit.ChainSize)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "castellan.yaml")
	content := `
log_level: warn
database:
  host: db.internal
  port: 5433
vault:
  enabled: true
  address: http://vault.internal:8200
access:
  cache_ttl: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.True(t, cfg.Vault.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Access.CacheTTL)

	// File values merge over defaults
	assert.Equal(t, "castellan", cfg.Database.Database)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load("/nonexistent/castellan.yaml")
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Username: "castellan",
		Password: "secret",
		Database: "castellan",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=castellan password=secret dbname=castellan sslmode=disable",
		cfg.DSN())
}
