package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAppConfigDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	cfg, err := NewAppConfig("pinacled", "1.0.0", "abc", "now", "test", false)
	assert.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Proxy.CacheTTL)
	assert.Equal(t, "pinacle.dev", cfg.Proxy.BaseDomain)
	assert.Equal(t, "runsc", cfg.Runtime.Name)
	assert.Equal(t, 22, cfg.SSH.Port)
	assert.False(t, cfg.Debug)
}

func TestNewAppConfigFromEnv(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("PROXY_CACHE_TTL_MS", "1000")
	t.Setenv("API_KEY", "secret")
	t.Setenv("SNAPSHOT_S3_BUCKET", "pinacle-snapshots")
	t.Setenv("DEBUG", "true")

	cfg, err := NewAppConfig("pinacled", "1.0.0", "abc", "now", "test", false)
	assert.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.Proxy.CacheTTL)
	assert.Equal(t, "secret", cfg.API.Key)
	assert.Equal(t, "pinacle-snapshots", cfg.Snapshot.S3Bucket)
	assert.True(t, cfg.Debug)
}
