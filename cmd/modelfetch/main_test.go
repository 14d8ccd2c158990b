package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/modelfetch/internal/registry"
)

type testEnv struct {
	configPath string
	modelsDir  string
	mirror     string
}

// newTestEnv writes a config and a one-model catalog served from a local mirror
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	env := testEnv{
		configPath: filepath.Join(root, "modelfetch.config.yaml"),
		modelsDir:  filepath.Join(root, "models"),
		mirror:     filepath.Join(root, "mirror"),
	}

	files := map[string]string{
		"tiny.yaml":       "sample_rate: 22050\n",
		"weights/llm.bin": "0123456789abcdef0123456789abcdef",
	}
	for name, data := range files {
		p := filepath.Join(env.mirror, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0644))
	}

	catalog := filepath.Join(root, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(fmt.Sprintf(`models:
  - id: tiny
    display_name: Tiny Voice
    approx_size: 64 B
    model_type: test
    sources:
      - file:%s
    files:
      - tiny.yaml
      - weights/llm.bin
`, env.mirror)), 0644))

	cfg := fmt.Sprintf(`download:
  models_dir: %s
  min_free_space: 0
  install_dependencies: false
catalog:
  path: %s
log:
  level: error
  output: file
  directory: %s
storage:
  type: sqlite
  sqlite:
    path: %s
`, env.modelsDir, catalog, filepath.Join(root, "logs"), filepath.Join(root, "data", "history.db"))
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0644))
	return env
}

func (env testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestLoadConfigOverrides(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("MODELFETCH_DOWNLOAD_RATE_LIMIT", "1048576")
	t.Setenv("MODELFETCH_DOWNLOAD_HUGGINGFACE_ENDPOINT", "https://hf-mirror.com")

	root := newRootCmd()
	require.NoError(t, root.PersistentFlags().Parse([]string{
		"--config", env.configPath,
		"--max-concurrent", "5",
		"--models-dir", "/srv/models",
	}))

	v := newViper()
	require.NoError(t, v.BindPFlags(root.PersistentFlags()))
	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Download.MaxConcurrent)
	assert.Equal(t, "/srv/models", cfg.Download.ModelsDir)
	assert.Equal(t, int64(1048576), cfg.Download.RateLimit)
	assert.Equal(t, "https://hf-mirror.com", cfg.Download.ModelRepo.HuggingFaceEndpoint)
	assert.Equal(t, "error", cfg.Log.Level, "file value kept when no override is given")
	assert.Equal(t, 3, cfg.Download.RetryCount, "default kept when neither file nor override sets it")
}

func TestDotEnvNextToConfig(t *testing.T) {
	env := newTestEnv(t)
	const key = "MODELFETCH_DOWNLOAD_RETRY_COUNT"
	// registers the restore, then leaves the variable unset for godotenv
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))

	dotenv := filepath.Join(filepath.Dir(env.configPath), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte(key+"=7\n"), 0644))
	require.NoError(t, loadDotEnv(env.configPath))

	v := newViper()
	v.Set("config", env.configPath)
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Download.RetryCount)

	t.Setenv(key, "2")
	require.NoError(t, loadDotEnv(env.configPath))
	cfg, err = loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Download.RetryCount, "the environment wins over .env")
}

func TestDotEnvInDefaultConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MODELFETCH_CONFIG_DIR", dir)
	const key = "MODELFETCH_DOWNLOAD_HUGGINGFACE_TOKEN"
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=hf_secret\n"), 0644))
	require.NoError(t, loadDotEnv(""))
	assert.Equal(t, "hf_secret", os.Getenv(key))
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{name: "zero concurrency", env: "MODELFETCH_MAX_CONCURRENT", val: "0"},
		{name: "negative rate", env: "MODELFETCH_DOWNLOAD_RATE_LIMIT", val: "-1"},
		{name: "unknown level", env: "MODELFETCH_LOG_LEVEL", val: "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			t.Setenv(tt.env, tt.val)

			v := newViper()
			v.Set("config", env.configPath)
			_, err := loadConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestVersionNeedsNoConfig(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing", "dir", "x.yaml"), "version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "modelfetch")
}

func TestListAndStatus(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "tiny")
	assert.Contains(t, out, "Tiny Voice")
	assert.Contains(t, out, "not_downloaded")

	out, err = env.run(t, "status", "tiny")
	require.NoError(t, err)
	assert.Contains(t, out, "tiny.yaml: missing")

	_, err = env.run(t, "status", "nope")
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}

func TestDownloadArguments(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "download")
	assert.EqualError(t, err, "pass model ids or --all")

	_, err = env.run(t, "download", "tiny", "--all")
	assert.EqualError(t, err, "pass model ids or --all")

	_, err = env.run(t, "download", "nope")
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}

func TestDownloadDeleteAndHistory(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "download", "tiny")
	require.NoError(t, err, out)
	assert.FileExists(t, filepath.Join(env.modelsDir, "tiny", "weights", "llm.bin"))

	out, err = env.run(t, "download", "--all")
	require.NoError(t, err, out)
	assert.Contains(t, out, "已完整，跳过")

	out, err = env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "downloaded")
	assert.NotContains(t, out, "not_downloaded")

	out, err = env.run(t, "history", "--model", "tiny")
	require.NoError(t, err)
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "local")

	_, err = env.run(t, "delete", "tiny")
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(env.modelsDir, "tiny"))
}

func TestCleanupRemovesPartialDirectories(t *testing.T) {
	env := newTestEnv(t)
	partial := filepath.Join(env.modelsDir, "tiny.partial")
	require.NoError(t, os.MkdirAll(partial, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "tiny.yaml"), []byte("x"), 0644))

	out, err := env.run(t, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "已清理 1 个目录")
	assert.NoDirExists(t, partial)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one …", truncate("line one\nline two", 10))
	assert.Equal(t, 10, len([]rune(truncate(string(make([]rune, 40)), 10))))
}
