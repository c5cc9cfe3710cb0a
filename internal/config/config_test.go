package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8085, cfg.Service.Port)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.InDelta(t, 0.85, cfg.Cache.SimilarityThreshold, 1e-9)
	assert.Equal(t, time.Hour, cfg.Lifecycle.ScanInterval)
	assert.Equal(t, 500, cfg.Lifecycle.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Prewarm.Interval)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SEMCACHE_SERVICE_PORT", "9090")
	t.Setenv("SEMCACHE_DATABASE_HOST", "db.internal")
	t.Setenv("SEMCACHE_CACHE_SIMILARITY_THRESHOLD", "0.9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.InDelta(t, 0.9, cfg.Cache.SimilarityThreshold, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Service.Port = 70000 }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"threshold above one", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"zero batch size", func(c *Config) { c.Lifecycle.BatchSize = 0 }},
		{"zero prewarm window", func(c *Config) { c.Prewarm.WindowSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "semcache",
		Username: "semcache",
		Password: "secret",
		SSLMode:  "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 dbname=semcache user=semcache password=secret sslmode=disable",
		db.DSN())
}
