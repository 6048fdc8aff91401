package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.ETA.CacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.ETA.StaleWindow)
	assert.Equal(t, time.Minute, cfg.ETA.SafetyBuffer)
	assert.Equal(t, 2*time.Minute, cfg.ETA.ApproachThreshold)
	assert.Equal(t, 5*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, 50.0, cfg.Routing.ToleranceMeters)
	assert.Equal(t, time.Minute, cfg.Cache.SweepInterval)
	assert.Zero(t, cfg.Cache.MemorySize)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/tracker.db")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("ETA_CACHE_TTL_SECONDS", "45")
	t.Setenv("ETA_SAFETY_BUFFER_MINUTES", "1.5")
	t.Setenv("INGEST_DEDUP_WINDOW", "2s")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "/tmp/tracker.db", cfg.DB.SQLitePath)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 45*time.Second, cfg.ETA.CacheTTL)
	assert.Equal(t, 90*time.Second, cfg.ETA.SafetyBuffer)
	assert.Equal(t, 2*time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		message string
	}{
		{name: "unknown driver", key: "DB_DRIVER", value: "mysql", message: "Driver"},
		{name: "unknown cache backend", key: "CACHE_BACKEND", value: "memcached", message: "Backend"},
		{name: "malformed duration", key: "ORACLE_TIMEOUT", value: "soon", message: "ORACLE_TIMEOUT"},
		{name: "malformed integer", key: "DB_PORT", value: "abc", message: "DB_PORT"},
		{name: "negative memory size", key: "CACHE_MEMORY_SIZE", value: "-1", message: "MemorySize"},
		{name: "non-positive tolerance", key: "ROUTE_TOLERANCE_METERS", value: "0", message: "ToleranceMeters"},
		{name: "missing key file", key: "DEVICE_KEYS_FILE", value: "/does/not/exist.yaml", message: "DeviceKeysFile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
