package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FIELDSYNC_DEV_MODE", "true")
	t.Setenv("FIELDSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, Duration(30*time.Second), cfg.Server.ReadTimeout)
	require.Equal(t, "data/fieldsync.db", cfg.Database.Path)
	require.Equal(t, "data/fieldsync-server.db", cfg.Database.ServerPath)
	require.Equal(t, "http://localhost:8080", cfg.Sync.ServerURL)
	require.Equal(t, Duration(5*time.Minute), cfg.Sync.Interval)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRequiresAPIKeyOutsideDevMode(t *testing.T) {
	t.Setenv("FIELDSYNC_DEV_MODE", "")
	t.Setenv("FIELDSYNC_API_KEY", "")
	t.Setenv("FIELDSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "FIELDSYNC_API_KEY")

	t.Setenv("FIELDSYNC_API_KEY", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.Auth.APIKey)
}

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	t.Setenv("FIELDSYNC_DEV_MODE", "true")
	t.Setenv("FIELDSYNC_PORT", "9999")
	t.Setenv("FIELDSYNC_SYNC_INTERVAL", "90s")

	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	data := []byte(`
server:
  port: 8081
  read_timeout: 10s
sync:
  server_url: https://sync.example.com
  interval: 1m
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	// Env beats file, file beats defaults
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, Duration(90*time.Second), cfg.Sync.Interval)
	require.Equal(t, Duration(10*time.Second), cfg.Server.ReadTimeout)
	require.Equal(t, "https://sync.example.com", cfg.Sync.ServerURL)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, Duration(30*time.Second), cfg.Server.WriteTimeout)
}

func TestLoadFromFileRejectsBadDuration(t *testing.T) {
	t.Setenv("FIELDSYNC_DEV_MODE", "true")

	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("server:\n  read_timeout: soon\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid duration")
}
