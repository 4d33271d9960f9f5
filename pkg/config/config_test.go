package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "./data/ordering.db", cfg.SQLite.Path)
	require.Equal(t, 5*time.Minute, cfg.Redis.TTL)
	require.Equal(t, 365, cfg.Pipeline.NormalizeLookbackDays)
	require.Equal(t, 180, cfg.Pipeline.FeatureLookbackDays)
	require.Equal(t, "@every 6h", cfg.Pipeline.Schedule)
	require.Equal(t, 4, cfg.Forecast.DeliveriesAhead)
	require.Equal(t, 60, cfg.Forecast.SearchDays)
	require.InDelta(t, 0.10, cfg.Forecast.BufferRatio, 1e-12)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ORDERING_PIPELINE_CONCURRENCY", "8")
	t.Setenv("ORDERING_REDIS_TTL", "90s")
	t.Setenv("ORDERING_SQLITE_PATH", "/tmp/other.db")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pipeline.Concurrency)
	require.Equal(t, 90*time.Second, cfg.Redis.TTL)
	require.Equal(t, "/tmp/other.db", cfg.SQLite.Path)
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	t.Setenv("ORDERING_PIPELINE_CONCURRENCY", "0")

	_, err := LoadFrom(viper.New())
	require.ErrorContains(t, err, "pipeline.concurrency")
}
