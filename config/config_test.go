package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabboard/config"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "REDIS_ADDR", "DATABASE_URL", "STORE_BACKEND", "PRESENCE_BACKEND", "MDNS_ENABLED", "CONFIG_FILE"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.PresenceBackend)
	assert.False(t, cfg.MDNSEnabled)

	sc := cfg.Session("b")
	assert.Equal(t, "b", sc.Board)
	assert.Equal(t, 16*time.Millisecond, sc.Throttle.FlushDelay)
	assert.Equal(t, 150*time.Millisecond, sc.Throttle.SettleDelay)
	assert.Equal(t, 1, sc.Throttle.BatchThreshold)
	assert.Equal(t, 50, sc.HistoryCapacity)
	assert.Equal(t, 0.5, sc.Presence.Epsilon)
	assert.Equal(t, 0.3, sc.Presence.Factor)
	assert.Equal(t, 5*time.Second, sc.Presence.Staleness)
	assert.Equal(t, 2500*time.Millisecond, sc.Heartbeat)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("PRESENCE_BACKEND", "redis")
	t.Setenv("MDNS_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, "redis", cfg.PresenceBackend)
	assert.True(t, cfg.MDNSEnabled)
}

func TestLoad_FileOverlayKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "collabboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  flush_delay_ms: 32
  staleness_ms: 8000
server:
  inbound_rate: 50
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Sync.FlushDelayMs)
	assert.Equal(t, 150, cfg.Sync.SettleDelayMs)
	assert.Equal(t, 8*time.Second, cfg.Staleness())
	assert.Equal(t, 50.0, cfg.Server.InboundRate)
	assert.Equal(t, 100, cfg.Server.InboundBurst)
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "firestore")
	_, err := config.Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")

	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  smoothing: 0\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	_, err = config.Load()
	assert.ErrorContains(t, err, "smoothing")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = config.Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
