package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shepherd-project/modelfetch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 9290, config.Server.Port)
	assert.Equal(t, 2, config.Download.MaxConcurrent)
	assert.Equal(t, MinProgressInterval, config.Download.ProgressInterval)
	assert.Equal(t, storage.StorageTypeSQLite, config.Storage.Type)
	assert.Equal(t, "https://huggingface.co", config.Download.ModelRepo.HuggingFaceEndpoint)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{name: "Valid config", modify: func(c *Config) {}},
		{name: "Invalid port", modify: func(c *Config) { c.Server.Port = 70000 }, errMsg: "invalid server port"},
		{name: "Origin without scheme", modify: func(c *Config) { c.Server.AllowedOrigins = []string{"ui.local"} }, errMsg: "allowed origin"},
		{name: "Wildcard origin pattern", modify: func(c *Config) { c.Server.AllowedOrigins = []string{"https://*.lan"} }, errMsg: "allowed origin"},
		{name: "Missing models dir", modify: func(c *Config) { c.Download.ModelsDir = " " }, errMsg: "models directory"},
		{name: "Max concurrent too low", modify: func(c *Config) { c.Download.MaxConcurrent = 0 }, errMsg: "max concurrent"},
		{name: "Chunk too small", modify: func(c *Config) { c.Download.ChunkSize = 10 }, errMsg: "chunk size"},
		{name: "Progress interval too fast", modify: func(c *Config) { c.Download.ProgressInterval = 50 * time.Millisecond }, errMsg: "progress interval"},
		{name: "Rate limit below chunk", modify: func(c *Config) { c.Download.RateLimit = 1024 }, errMsg: "rate limit"},
		{name: "Zero timeout", modify: func(c *Config) { c.Download.ReadTimeout = 0 }, errMsg: "timeouts"},
		{name: "Sqlite without path", modify: func(c *Config) { c.Storage.SQLite = nil }, errMsg: "sqlite storage"},
		{name: "Unknown storage", modify: func(c *Config) { c.Storage.Type = "postgresql" }, errMsg: "invalid storage type"},
		{name: "Bad log level", modify: func(c *Config) { c.Log.Level = "verbose" }, errMsg: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download.ProgressInterval = 0
	cfg.Download.VerifyWorkers = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinProgressInterval, cfg.Download.ProgressInterval)
	assert.Equal(t, 1, cfg.Download.VerifyWorkers)
}

func TestManagerConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MODELFETCH_CONFIG_DIR", dir)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), NewManager().GetConfigPath())
	assert.Equal(t, "/etc/x.yaml", NewManagerWithPath("/etc/x.yaml").GetConfigPath())
}

func TestManagerLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "modelfetch.yaml")
	manager := NewManagerWithPath(path)

	cfg, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config should be written")
}

func TestManagerLoadSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelfetch.yaml")
	manager := NewManagerWithPath(path)

	cfg := DefaultConfig()
	cfg.Server.Port = 8088
	cfg.Download.ReadTimeout = 90 * time.Second
	cfg.Download.RateLimit = 4 * 1024 * 1024
	require.NoError(t, manager.Save(cfg))

	reloaded := NewManagerWithPath(path)
	loaded, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, 8088, loaded.Server.Port)
	assert.Equal(t, 90*time.Second, loaded.Download.ReadTimeout)
	assert.Equal(t, int64(4*1024*1024), loaded.Download.RateLimit)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestManagerLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9300\n"), 0644))

	cfg, err := NewManagerWithPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, DefaultConfig().Download.ChunkSize, cfg.Download.ChunkSize)
}

func TestManagerLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0644))

	_, err := NewManagerWithPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestManagerUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelfetch.yaml")
	manager := NewManagerWithPath(path)
	_, err := manager.Load()
	require.NoError(t, err)

	updated, err := manager.Update(func(c *Config) { c.Download.MaxConcurrent = 5 })
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Download.MaxConcurrent)
	assert.Equal(t, 5, manager.Get().Download.MaxConcurrent)

	_, err = manager.Update(func(c *Config) { c.Download.MaxConcurrent = 0 })
	assert.Error(t, err)
	assert.Equal(t, 5, manager.Get().Download.MaxConcurrent, "failed update must not be applied")
}
