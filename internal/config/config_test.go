package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.ReadTimeout)
	assert.Equal(t, "./gamerelay.db", cfg.Database.Path)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http:
  port: 9090
websocket:
  ping_interval: 15s
  read_timeout: 45s
database:
  path: /tmp/test.db
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 45*time.Second, cfg.WebSocket.ReadTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	// File sections not set keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644))

	t.Setenv("GAMERELAY_HTTP__PORT", "7070")
	t.Setenv("GAMERELAY_LOG__LEVEL", "warn")
	t.Setenv("GAMERELAY_REDIS__ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Redis.Enabled)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.HTTP.Port = 70000 }, "port"},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }, "host"},
		{"zero ping interval", func(c *Config) { c.WebSocket.PingInterval = 0 }, "ping interval"},
		{"read timeout below ping", func(c *Config) {
			c.WebSocket.ReadTimeout = 10 * time.Second
			c.WebSocket.PingInterval = 30 * time.Second
		}, "read timeout"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"redis enabled without url", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.URL = ""
		}, "redis url"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
