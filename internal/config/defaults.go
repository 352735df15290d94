package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// appDir is the directory name used under every XDG base directory.
const appDir = "ibus"

// PlatformConfigDir returns $XDG_CONFIG_HOME/ibus, defaulting to ~/.config/ibus.
func PlatformConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// PlatformCacheDir returns $XDG_CACHE_HOME/ibus, defaulting to ~/.cache/ibus.
// The registry cache lives here.
func PlatformCacheDir() string {
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return filepath.Join(v, appDir)
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(homeDir(), ".cache", appDir)
}

// PlatformDataDir returns $XDG_DATA_HOME/ibus, defaulting to ~/.local/share/ibus.
func PlatformDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// PlatformStateDir returns $XDG_STATE_HOME/ibus, defaulting to
// ~/.local/state/ibus. Logs are written here.
func PlatformStateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// PlatformRuntimeDir returns $XDG_RUNTIME_DIR/ibus, or /tmp/ibus-$UID when
// the session has no runtime directory.
func PlatformRuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appDir)
	}
	return filepath.Join(os.TempDir(), appDir+"-"+strconv.Itoa(os.Getuid()))
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appDir)
	}
	return filepath.Join(homeDir(), fallback, appDir)
}

// homeDir prefers $HOME so tests and sandboxes can redirect it.
func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// DefaultPaths collects the files the daemon reads and writes.
type DefaultPaths struct {
	ConfigDir  string
	CacheDir   string
	DataDir    string
	StateDir   string
	RuntimeDir string

	ConfigFile    string
	RegistryCache string
	UserComponent string
	DatabaseFile  string
	LogFile       string
}

// GetDefaultPaths returns all default paths for the current user.
func GetDefaultPaths() *DefaultPaths {
	configDir := PlatformConfigDir()
	cacheDir := PlatformCacheDir()
	dataDir := PlatformDataDir()
	stateDir := PlatformStateDir()

	return &DefaultPaths{
		ConfigDir:  configDir,
		CacheDir:   cacheDir,
		DataDir:    dataDir,
		StateDir:   stateDir,
		RuntimeDir: PlatformRuntimeDir(),

		ConfigFile:    filepath.Join(configDir, "ibusd.toml"),
		RegistryCache: filepath.Join(cacheDir, "registry.xml"),
		UserComponent: filepath.Join(homeDir(), ".ibus", "component"),
		DatabaseFile:  filepath.Join(dataDir, "ibusd.db"),
		LogFile:       filepath.Join(stateDir, "ibusd.log"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile searches the config directory for a file in any supported
// format. It returns the empty string if none exists.
func FindConfigFile() string {
	dir := PlatformConfigDir()
	for _, ext := range SupportedConfigFormats() {
		path := filepath.Join(dir, "ibusd"+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
