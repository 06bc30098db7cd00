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

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "pgx", cfg.Postgres.Driver)
	assert.Equal(t, 4, cfg.Flush.MaxConcurrentWrites)
	assert.False(t, cfg.Flush.ReloadOnReject)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, cfg.Kafka.PublishTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ODMFLUSH_BACKEND", "redis")
	t.Setenv("ODMFLUSH_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ODMFLUSH_KAFKA_BROKERS", " b1:9092, b2:9092 ,b1:9092,")
	t.Setenv("ODMFLUSH_MAX_CONCURRENT_WRITES", "1")
	t.Setenv("ODMFLUSH_RELOAD_ON_REJECT", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1, cfg.Flush.MaxConcurrentWrites)
	assert.True(t, cfg.Flush.ReloadOnReject)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unparsable value", env: map[string]string{"ODMFLUSH_MAX_CONCURRENT_WRITES": "many"}},
		{name: "unknown backend", env: map[string]string{"ODMFLUSH_BACKEND": "mongo"}},
		{name: "postgres without dsn", env: map[string]string{"ODMFLUSH_BACKEND": "postgres"}},
		{name: "unknown driver", env: map[string]string{
			"ODMFLUSH_BACKEND":         "postgres",
			"ODMFLUSH_POSTGRES_DSN":    "postgres://localhost/odm",
			"ODMFLUSH_POSTGRES_DRIVER": "mysql",
		}},
		{name: "redis without url", env: map[string]string{"ODMFLUSH_BACKEND": "redis"}},
		{name: "zero concurrency", env: map[string]string{"ODMFLUSH_MAX_CONCURRENT_WRITES": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
