package authclient

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.Tokens.ValidityBuffer)
	require.Equal(t, 5*time.Minute, cfg.Tokens.ExpiryHorizon)
	require.Equal(t, 5*time.Minute, cfg.Cache.MaxAge)
	require.Equal(t, 3, cfg.Refresh.MaxRetries)
	require.Equal(t, 2, cfg.Session.UserFetchRetries)
}

func TestConfigValidateEnums(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "base url empty",
			mutate:    func(c *Config) { c.API.BaseURL = "  " },
			wantValid: false,
		},
		{
			name:      "base url relative",
			mutate:    func(c *Config) { c.API.BaseURL = "/api" },
			wantValid: false,
		},
		{
			name:      "health path without slash",
			mutate:    func(c *Config) { c.API.HealthPath = "health" },
			wantValid: false,
		},
		{
			name: "expiry horizon below validity buffer",
			mutate: func(c *Config) {
				c.Tokens.ExpiryHorizon = 10 * time.Second
			},
			wantValid: false,
		},
		{
			name:      "refresh retries zero valid",
			mutate:    func(c *Config) { c.Refresh.MaxRetries = 0 },
			wantValid: true,
		},
		{
			name:      "refresh retries negative",
			mutate:    func(c *Config) { c.Refresh.MaxRetries = -1 },
			wantValid: false,
		},
		{
			name:      "session retries negative",
			mutate:    func(c *Config) { c.Session.HealthRetries = -1 },
			wantValid: false,
		},
		{
			name:      "probe without timeout",
			mutate:    func(c *Config) { c.Network.ProbeInterval = time.Second; c.Network.ProbeTimeout = 0 },
			wantValid: false,
		},
		{
			name:      "file backend without path",
			mutate:    func(c *Config) { c.Storage.Backend = StorageFile },
			wantValid: false,
		},
		{
			name: "file backend with path",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageFile
				c.Storage.FilePath = "/tmp/authclient.json"
			},
			wantValid: true,
		},
		{
			name:      "redis backend valid",
			mutate:    func(c *Config) { c.Storage.Backend = StorageRedis },
			wantValid: true,
		},
		{
			name:      "audit enabled without buffer",
			mutate:    func(c *Config) { c.Audit.Enabled = true; c.Audit.BufferSize = 0 },
			wantValid: false,
		},
		{
			name:      "log level invalid",
			mutate:    func(c *Config) { c.Log.Level = "verbose" },
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestConfigValidateUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	require.True(t, errors.Is(cfg.Validate(), ErrUnknownStorageBackend))
}

func TestLoadConfigFromFileWithEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authclient.yaml")
	yaml := `
api:
  base_url: "https://attest.example.com/api"
  timeout: 20s
tokens:
  validity_buffer: 45s
session:
  background_sync_max_failures: 4
storage:
  backend: file
  file_path: "` + filepath.Join(dir, "state.json") + `"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("AUTHCLIENT_REFRESH_MAX_RETRIES", "5")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://attest.example.com/api", cfg.API.BaseURL)
	require.Equal(t, 20*time.Second, cfg.API.Timeout)
	require.Equal(t, 45*time.Second, cfg.Tokens.ValidityBuffer)
	require.Equal(t, 5*time.Minute, cfg.Tokens.ExpiryHorizon)
	require.Equal(t, 4, cfg.Session.BackgroundSyncMaxFailures)
	require.Equal(t, 5, cfg.Refresh.MaxRetries)
	require.Equal(t, StorageFile, cfg.Storage.Backend)
	require.True(t, cfg.Network.InitialOnline)
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTHCLIENT_API_BASE_URL", "http://10.0.0.2:3000/api")
	t.Setenv("AUTHCLIENT_CACHE_MAX_AGE", "90s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.2:3000/api", cfg.API.BaseURL)
	require.Equal(t, 90*time.Second, cfg.Cache.MaxAge)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
	require.Equal(t, "/health", cfg.API.HealthPath)
}

func TestLoadConfigConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTHCLIENT_STORAGE_BACKEND", "floppy")

	_, err := LoadConfig("")
	require.ErrorIs(t, err, ErrUnknownStorageBackend)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(-1))

	_, err = NewLogger(LogConfig{Level: "chatty"})
	require.Error(t, err)
}
