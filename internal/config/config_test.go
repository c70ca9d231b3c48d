package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFilePresent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "missing.yaml"), nil)

	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8089", cfg.ListenAddr)
	assert.Equal(t, BackendMemory, cfg.SubscriptionManager)
	assert.Equal(t, 2*time.Second, cfg.UpstreamCallTimeout)
}

func TestLoadReadsExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\nsubscription_manager: redis\nredis_addr: \"cache:6379\"\n"), 0o644))

	m := NewManager(path, nil)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, BackendRedis, cfg.SubscriptionManager)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BUSD_LISTEN_ADDR", ":7000")

	m := NewManager(filepath.Join(dir, "missing.yaml"), nil)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.ListenAddr)
}
