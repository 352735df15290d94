package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibusd/internal/config"
)

func TestApplyFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	before := cfg.Process.AttachRetries

	applyFlags(cfg, options{attachRetries: -1, attachInterval: -1})
	assert.Equal(t, before, cfg.Process.AttachRetries)
	assert.False(t, cfg.Metrics.Enabled)

	applyFlags(cfg, options{
		address:        "unix:path=/tmp/bus",
		replace:        true,
		logLevel:       "debug",
		metricsAddr:    "127.0.0.1:0",
		attachRetries:  5,
		attachInterval: 2 * time.Millisecond,
	})
	assert.Equal(t, "unix:path=/tmp/bus", cfg.Bus.Address)
	assert.True(t, cfg.Bus.Replace)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Addr)
	assert.Equal(t, 5, cfg.Process.AttachRetries)
	assert.Equal(t, 2000, cfg.Process.AttachIntervalUs)
}

func isolateHome(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("HOME", dir)
	for _, env := range []string{"XDG_CONFIG_HOME", "XDG_CACHE_HOME", "XDG_DATA_HOME", "XDG_STATE_HOME"} {
		t.Setenv(env, filepath.Join(dir, env))
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	isolateHome(t, dir)
	path := filepath.Join(dir, "ibusd.toml")
	doc := `
[bus]
address = "unix:path=/from/file"

[registry]
cache_path = "` + filepath.Join(dir, "cache", "registry.xml") + `"

[logging]
output = "stderr"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	cfg, err := loadConfig(options{configPath: path, attachRetries: -1, attachInterval: -1})
	require.NoError(t, err)
	assert.Equal(t, "unix:path=/from/file", cfg.Bus.Address)
	assert.DirExists(t, filepath.Join(dir, "cache"))

	cfg, err = loadConfig(options{configPath: path, address: "unix:path=/from/flag", attachRetries: -1, attachInterval: -1})
	require.NoError(t, err)
	assert.Equal(t, "unix:path=/from/flag", cfg.Bus.Address)
}

func TestLoadConfigRejectsInvalidFlags(t *testing.T) {
	dir := t.TempDir()
	isolateHome(t, dir)
	path := filepath.Join(dir, "ibusd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\noutput = \"stderr\"\n"), 0600))

	_, err := loadConfig(options{configPath: path, logLevel: "loud", attachRetries: -1, attachInterval: -1})
	assert.Error(t, err)
}
