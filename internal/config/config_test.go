package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	return home
}

func fields(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	var out []string
	for _, e := range verrs {
		out = append(out, e.Field)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	home := isolateEnv(t)

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, "/usr/share/ibus/component", cfg.Registry.SystemDir)
	assert.Equal(t, filepath.Join(home, ".ibus", "component"), cfg.Registry.UserDir)
	assert.Equal(t, filepath.Join(home, "cache", "ibus", "registry.xml"), cfg.Registry.CachePath)
	assert.Equal(t, []string{"Control+space"}, cfg.Hotkey.Trigger)
	assert.Equal(t, 1, cfg.Process.AttachRetries)
	assert.Equal(t, 50*time.Microsecond, cfg.AttachInterval())
	assert.Equal(t, filepath.Join(home, "state", "ibus", "ibusd.log"), cfg.Logging.FilePath)
}

func TestLoadNonexistent(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Registry, cfg.Registry)
}

func TestLoadFormats(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name    string
		content string
	}{
		{"ibusd.toml", `
version = 1
[registry]
system_dir = "/opt/ibus/component"
manifest_pattern = "*.component"
[process]
attach_retries = 3
[hotkey]
trigger = ["Alt+grave", "Hangul"]
`},
		{"ibusd.json", `{
  "version": 1,
  "registry": {"system_dir": "/opt/ibus/component", "manifest_pattern": "*.component"},
  "process": {"attach_retries": 3},
  "hotkey": {"trigger": ["Alt+grave", "Hangul"]}
}`},
		{"ibusd.yaml", `
version: 1
registry:
  system_dir: /opt/ibus/component
  manifest_pattern: "*.component"
process:
  attach_retries: 3
hotkey:
  trigger: [Alt+grave, Hangul]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.name)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())

			assert.Equal(t, "/opt/ibus/component", cfg.Registry.SystemDir)
			assert.Equal(t, "*.component", cfg.Registry.ManifestPattern)
			assert.Equal(t, 3, cfg.Process.AttachRetries)
			assert.Equal(t, []string{"Alt+grave", "Hangul"}, cfg.Hotkey.Trigger)
			// untouched sections keep their defaults
			assert.Equal(t, 50, cfg.Process.AttachIntervalUs)
			assert.Equal(t, "info", cfg.Logging.Level)
		})
	}
}

func TestSchemaRejects(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown key", "a.toml", "[registry]\nbogus = 1\n"},
		{"wrong type", "b.json", `{"process": {"attach_retries": "many"}}`},
		{"negative retries", "c.yaml", "process:\n  attach_retries: -1\n"},
		{"bad level", "d.toml", "[logging]\nlevel = \"loud\"\n"},
		{"empty key string", "e.json", `{"hotkey": {"trigger": [""]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("IBUSD_BUS_ADDRESS", "unix:path=/run/user/1000/bus")
	t.Setenv("IBUSD_ATTACH_RETRIES", "5")
	t.Setenv("IBUSD_TRIGGER", "Alt+grave,Hangul")
	t.Setenv("IBUSD_METRICS_ADDR", "127.0.0.1:9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "unix:path=/run/user/1000/bus", cfg.Bus.Address)
	assert.Equal(t, 5, cfg.Process.AttachRetries)
	assert.Equal(t, []string{"Alt+grave", "Hangul"}, cfg.Hotkey.Trigger)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
	// unset variables leave values alone
	assert.Equal(t, 50, cfg.Process.AttachIntervalUs)
}

func TestEnvOverrideBadValue(t *testing.T) {
	isolateEnv(t)
	t.Setenv("IBUSD_ATTACH_RETRIES", "lots")

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad glob", func(c *Config) { c.Registry.ManifestPattern = "[" }, "registry.manifest_pattern"},
		{"glob with separator", func(c *Config) { c.Registry.ManifestPattern = "sub/*.xml" }, "registry.manifest_pattern"},
		{"relative user dir", func(c *Config) { c.Registry.UserDir = "component" }, "registry.user_dir"},
		{"no roots", func(c *Config) { c.Registry.SystemDir, c.Registry.UserDir = "", "" }, "registry"},
		{"bad hotkey", func(c *Config) { c.Hotkey.Trigger = []string{"Nope+space"} }, "hotkey.trigger[0]"},
		{"bad next hotkey", func(c *Config) { c.Hotkey.NextEngine = []string{"Control+", "Control+x"} }, "hotkey.next_engine[0]"},
		{"bad address", func(c *Config) { c.Bus.Address = "somewhere" }, "bus.address"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled, c.Metrics.Addr = true, "localhost" }, "metrics.addr"},
		{"store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"file output", func(c *Config) { c.Logging.Output, c.Logging.FilePath = "file", "" }, "logging.file_path"},
		{"version", func(c *Config) { c.Version = 99 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, fields(t, err), tt.field)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolateEnv(t)

	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Registry.SystemDir = "/opt/ibus/component"
			cfg.Hotkey.NextEngine = []string{"Control+Shift+n"}

			path := filepath.Join(t.TempDir(), "ibusd"+ext)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Registry, loaded.Registry)
			assert.Equal(t, cfg.Hotkey.NextEngine, loaded.Hotkey.NextEngine)
			assert.Equal(t, cfg.Process, loaded.Process)
		})
	}
}

func TestClone(t *testing.T) {
	isolateEnv(t)

	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Hotkey.Trigger[0] = "Hangul"
	clone.Registry.Watch = false

	assert.Equal(t, "Control+space", cfg.Hotkey.Trigger[0])
	assert.True(t, cfg.Registry.Watch)
}

func TestLoaderReload(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "ibusd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hotkey]\ntrigger = [\"Hangul\"]\n"), 0600))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"Hangul"}, cfg.Hotkey.Trigger)

	changed := make(chan *Config, 4)
	loader.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	require.NoError(t, os.WriteFile(path, []byte("[hotkey]\ntrigger = [\"Alt+grave\"]\n"), 0600))

	select {
	case c := <-changed:
		assert.Equal(t, []string{"Alt+grave"}, c.Hotkey.Trigger)
		assert.Equal(t, c, loader.Config())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "ibusd.toml")
	require.NoError(t, os.WriteFile(path, []byte("[process]\nattach_retries = 2\n"), 0600))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	t.Cleanup(func() { loader.Close() })

	require.NoError(t, os.WriteFile(path, []byte("[process]\nattach_retries = \"x\"\n"), 0600))

	select {
	case err := <-loader.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reload error not reported")
	}
	assert.Equal(t, 2, loader.Config().Process.AttachRetries)
}
