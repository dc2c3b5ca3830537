package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "X-API-KEY", cfg.Server.APIKeyName)
	assert.Equal(t, "localhost", cfg.Store.Host)
	assert.Equal(t, "6379", cfg.Store.Port)
	assert.Equal(t, 300, cfg.Job.TTLSeconds)
	assert.Equal(t, "load_weighted_random", cfg.Worker.Scheduler)
	assert.Equal(t, 30*time.Second, cfg.Worker.NodeTTL)
	assert.Equal(t, 50, cfg.Worker.PinnedPerNode)
	assert.False(t, cfg.IsProduction())
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STORE_HOST", "redis.internal")
	t.Setenv("JOB_TTL", "120")
	t.Setenv("WORKER_PINNED_PER_NODE", "7")
	t.Setenv("STORE_TLS", "true")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STORE_SENTINEL_ADDRS", "a:26379, b:26379")

	cfg := Load()

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "redis.internal", cfg.Store.Host)
	assert.Equal(t, 120, cfg.Job.TTLSeconds)
	assert.Equal(t, 7, cfg.Worker.PinnedPerNode)
	assert.True(t, cfg.Store.TLSEnabled)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"a:26379", "b:26379"}, cfg.Store.SentinelAddrs)
}

func TestLoadFallsBackOnInvalidIntEnv(t *testing.T) {
	t.Setenv("JOB_TTL", "not-a-number")
	cfg := Load()
	assert.Equal(t, 300, cfg.Job.TTLSeconds)
}

func TestGetStoreAddr(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Host: "h", Port: "1234"}}
	assert.Equal(t, "h:1234", cfg.GetStoreAddr())
}
