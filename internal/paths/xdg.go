package paths

import (
	"os"
	"path/filepath"
)

// AssetsEnvVar points at the directory holding the worker scripts.
const AssetsEnvVar = "WORKERBUS_ASSETS"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, "workerbus")
	}
	return filepath.Join(homeDir(), fallbackSuffix, "workerbus")
}

// ConfigDir returns the workerbus config directory ($XDG_CONFIG_HOME/workerbus).
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns the workerbus state directory ($XDG_STATE_HOME/workerbus).
// Browser profiles created by the CLI live here.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// BrowserProfileDir returns the default Chrome user data directory.
func BrowserProfileDir() string {
	return filepath.Join(StateDir(), "browser-profile")
}

// AssetsDir returns $WORKERBUS_ASSETS, or the Resources directory next to
// the running executable.
func AssetsDir() string {
	if v := os.Getenv(AssetsEnvVar); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "Resources"
	}
	return filepath.Join(filepath.Dir(exe), "Resources")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
