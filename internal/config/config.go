// Package config handles configuration loading, validation, and management
// for ibusd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override, e.g. IBUSD_BUS_ADDRESS.
const EnvPrefix = "IBUSD"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Bus configuration for the message bus connection.
	Bus BusConfig `toml:"bus" json:"bus" yaml:"bus"`

	// Registry configuration for component discovery and caching.
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`

	// Process configuration for component helper processes.
	Process ProcessConfig `toml:"process" json:"process" yaml:"process"`

	// Hotkey bindings.
	Hotkey HotkeyConfig `toml:"hotkey" json:"hotkey" yaml:"hotkey"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Store configuration for persisted daemon state.
	Store StoreConfig `toml:"store" json:"store" yaml:"store"`

	// Metrics configuration for the HTTP metrics and health endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// BusConfig holds message bus configuration.
type BusConfig struct {
	// Address is a D-Bus address. Empty means the session bus.
	Address string `toml:"address" json:"address" yaml:"address"`

	// Replace takes over the service name from a running daemon.
	Replace bool `toml:"replace" json:"replace" yaml:"replace"`

	// CallTimeoutMs bounds calls the daemon makes to providers and peers.
	CallTimeoutMs int `toml:"call_timeout_ms" json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

// RegistryConfig holds component registry configuration.
type RegistryConfig struct {
	// SystemDir is the install-time component directory.
	SystemDir string `toml:"system_dir" json:"system_dir" yaml:"system_dir"`

	// UserDir is the per-user override directory, scanned after SystemDir.
	UserDir string `toml:"user_dir" json:"user_dir" yaml:"user_dir"`

	// CachePath is the registry cache file. Empty disables caching.
	CachePath string `toml:"cache_path" json:"cache_path" yaml:"cache_path"`

	// ManifestPattern selects manifest files within each directory.
	ManifestPattern string `toml:"manifest_pattern" json:"manifest_pattern" yaml:"manifest_pattern"`

	// Watch reloads the registry when a component directory changes.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`

	// DebounceMs is the quiet period before a directory change triggers a reload.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// ProcessConfig holds component process configuration.
type ProcessConfig struct {
	// AttachRetries is how many times the broker polls for a factory after
	// starting a component.
	AttachRetries int `toml:"attach_retries" json:"attach_retries" yaml:"attach_retries"`

	// AttachIntervalUs is the sleep between attach polls in microseconds.
	AttachIntervalUs int `toml:"attach_interval_us" json:"attach_interval_us" yaml:"attach_interval_us"`

	// StopTimeoutMs is how long shutdown waits before killing components.
	StopTimeoutMs int `toml:"stop_timeout_ms" json:"stop_timeout_ms" yaml:"stop_timeout_ms"`
}

// HotkeyConfig holds key bindings. Each entry is a string such as
// "Control+space".
type HotkeyConfig struct {
	// Trigger toggles input. Empty means the built-in default.
	Trigger []string `toml:"trigger" json:"trigger" yaml:"trigger"`

	// NextEngine switches to the next active engine.
	NextEngine []string `toml:"next_engine" json:"next_engine" yaml:"next_engine"`

	// PrevEngine switches to the previous active engine.
	PrevEngine []string `toml:"prev_engine" json:"prev_engine" yaml:"prev_engine"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// Enabled turns on the sqlite store for the default engine and
	// switch history.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// MetricsConfig holds the metrics and health endpoint configuration.
type MetricsConfig struct {
	// Enabled starts the HTTP listener.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Addr is the listen address, e.g. "127.0.0.1:9464".
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Bus: BusConfig{
			CallTimeoutMs: 5000,
		},
		Registry: RegistryConfig{
			SystemDir:       "/usr/share/ibus/component",
			UserDir:         paths.UserComponent,
			CachePath:       paths.RegistryCache,
			ManifestPattern: "*.xml",
			Watch:           true,
			DebounceMs:      500,
		},
		Process: ProcessConfig{
			AttachRetries:    1,
			AttachIntervalUs: 50,
			StopTimeoutMs:    3000,
		},
		Hotkey: HotkeyConfig{
			Trigger: []string{"Control+space"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   paths.LogFile,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    paths.DatabaseFile,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if path := FindConfigFile(); path != "" {
		return path
	}
	return GetDefaultPaths().ConfigFile
}

// Load reads configuration from the specified path, checks it against the
// schema and applies environment overrides. If the file doesn't exist,
// the defaults are returned. The format follows the file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Registry.CachePath),
		filepath.Dir(c.Logging.FilePath),
	}
	if c.Store.Enabled {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// envOverrides lists the settings that can come from the environment.
// Pointer fields stay nil when the variable is unset.
type envOverrides struct {
	BusAddress     *string  `envconfig:"BUS_ADDRESS"`
	Replace        *bool    `envconfig:"REPLACE"`
	SystemDir      *string  `envconfig:"SYSTEM_DIR"`
	UserDir        *string  `envconfig:"USER_DIR"`
	CachePath      *string  `envconfig:"CACHE_PATH"`
	AttachRetries  *int     `envconfig:"ATTACH_RETRIES"`
	AttachInterval *int     `envconfig:"ATTACH_INTERVAL_US"`
	Trigger        []string `envconfig:"TRIGGER"`
	LogLevel       *string  `envconfig:"LOG_LEVEL"`
	LogPath        *string  `envconfig:"LOG_PATH"`
	StorePath      *string  `envconfig:"STORE_PATH"`
	MetricsAddr    *string  `envconfig:"METRICS_ADDR"`
}

// ApplyEnvOverrides applies IBUSD_* environment variables to the
// configuration.
func (c *Config) ApplyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	setString(&c.Bus.Address, env.BusAddress)
	if env.Replace != nil {
		c.Bus.Replace = *env.Replace
	}
	setString(&c.Registry.SystemDir, env.SystemDir)
	setString(&c.Registry.UserDir, env.UserDir)
	setString(&c.Registry.CachePath, env.CachePath)
	if env.AttachRetries != nil {
		c.Process.AttachRetries = *env.AttachRetries
	}
	if env.AttachInterval != nil {
		c.Process.AttachIntervalUs = *env.AttachInterval
	}
	if len(env.Trigger) > 0 {
		c.Hotkey.Trigger = env.Trigger
	}
	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Logging.FilePath, env.LogPath)
	setString(&c.Store.Path, env.StorePath)
	if env.MetricsAddr != nil {
		c.Metrics.Addr = *env.MetricsAddr
		c.Metrics.Enabled = *env.MetricsAddr != ""
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Bus:      c.Bus,
		Registry: c.Registry,
		Process:  c.Process,
		Hotkey:   c.Hotkey,
		Logging:  c.Logging,
		Store:    c.Store,
		Metrics:  c.Metrics,
	}
	clone.Hotkey.Trigger = append([]string(nil), c.Hotkey.Trigger...)
	clone.Hotkey.NextEngine = append([]string(nil), c.Hotkey.NextEngine...)
	clone.Hotkey.PrevEngine = append([]string(nil), c.Hotkey.PrevEngine...)
	return clone
}

// CallTimeout returns the provider call timeout.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Bus.CallTimeoutMs) * time.Millisecond
}

// AttachInterval returns the sleep between attach polls.
func (c *Config) AttachInterval() time.Duration {
	return time.Duration(c.Process.AttachIntervalUs) * time.Microsecond
}

// StopTimeout returns how long shutdown waits for components to exit.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Process.StopTimeoutMs) * time.Millisecond
}

// Debounce returns the registry watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Registry.DebounceMs) * time.Millisecond
}
