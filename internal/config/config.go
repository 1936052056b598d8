package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/lydakis/workerbus/internal/paths"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the configuration used when no file exists, and the one
// written by "workerbus config init". Secrets are referenced by placeholder.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Workers: map[string]WorkerConfig{
			RoleBrowser: {
				ReadyTimeout: "30s",
				IdleTimeout:  "0s",
				MaxEvents:    256,
				APIKeyEnv:    "BROWSER_USE_API_KEY",
				APIKey:       "${BROWSER_USE_API_KEY}",
			},
			RoleCAD: {
				Protocol:     ProtocolMCP,
				ReadyTimeout: "20s",
				IdleTimeout:  "0s",
				Env: map[string]string{
					"ONSHAPE_ACCESS_KEY": "${ONSHAPE_ACCESS_KEY}",
					"ONSHAPE_SECRET_KEY": "${ONSHAPE_SECRET_KEY}",
				},
			},
		},
	}
}

// Load reads the config file and returns the parsed Config.
// If the config file does not exist, it returns the defaults (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path.
func LoadFrom(path string) (*Config, error) {
	return loadFrom(path, true)
}

// LoadForEditFrom reads and parses a config file at the given path for
// display or edits. It intentionally skips env expansion so secrets are not
// printed or baked into saved files.
func LoadForEditFrom(path string) (*Config, error) {
	return loadFrom(path, false)
}

func loadFrom(path string, expand bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		var file Config
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		merge(cfg, &file)
	}

	if !expand {
		return cfg, nil
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	expandConfigEnvVars(cfg)
	return cfg, nil
}

// merge overlays the fields set in file onto cfg, worker by worker.
func merge(cfg, file *Config) {
	if file.Log.Level != "" {
		cfg.Log.Level = file.Log.Level
	}
	cfg.Log.Development = cfg.Log.Development || file.Log.Development
	if file.AssetsDir != "" {
		cfg.AssetsDir = file.AssetsDir
	}

	for role, w := range file.Workers {
		base := cfg.Workers[role]
		if w.Python != "" {
			base.Python = w.Python
		}
		if w.Script != "" {
			base.Script = w.Script
		}
		if w.Args != nil {
			base.Args = w.Args
		}
		if w.Dir != "" {
			base.Dir = w.Dir
		}
		if w.Protocol != "" {
			base.Protocol = w.Protocol
		}
		if w.ReadyTimeout != "" {
			base.ReadyTimeout = w.ReadyTimeout
		}
		if w.IdleTimeout != "" {
			base.IdleTimeout = w.IdleTimeout
		}
		if w.MaxEvents != 0 {
			base.MaxEvents = w.MaxEvents
		}
		if w.Env != nil {
			base.Env = cloneStringMap(base.Env)
			if base.Env == nil {
				base.Env = make(map[string]string, len(w.Env))
			}
			for k, v := range w.Env {
				base.Env[k] = v
			}
		}
		if w.APIKeyEnv != "" {
			base.APIKeyEnv = w.APIKeyEnv
		}
		if w.APIKey != "" {
			base.APIKey = w.APIKey
		}
		cfg.Workers[role] = base
	}
}

// ExampleConfigPath returns the default config file path (for help messages).
func ExampleConfigPath() string {
	return paths.ConfigFile()
}

// Assets returns the assets directory in effect.
func (c *Config) Assets() string {
	if c.AssetsDir != "" {
		return c.AssetsDir
	}
	return paths.AssetsDir()
}

// ScriptPath returns the worker script for role. A relative configured
// script is resolved against the assets directory.
func (c *Config) ScriptPath(role string) string {
	script := c.Workers[role].Script
	if script == "" {
		script = defaultScripts[role]
	}
	if script == "" || filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(c.Assets(), script)
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.AssetsDir = expandEnvVars(cfg.AssetsDir)
	for role, w := range cfg.Workers {
		cfg.Workers[role] = expandWorkerEnvVars(w)
	}
}

func expandWorkerEnvVars(w WorkerConfig) WorkerConfig {
	w = cloneWorkerConfig(w)
	w.Python = expandEnvVars(w.Python)
	w.Script = expandEnvVars(w.Script)
	w.Dir = expandEnvVars(w.Dir)
	w.ReadyTimeout = expandEnvVars(w.ReadyTimeout)
	w.IdleTimeout = expandEnvVars(w.IdleTimeout)
	w.APIKey = expandUnresolvedToEmpty(w.APIKey)

	for i := range w.Args {
		w.Args[i] = expandEnvVars(w.Args[i])
	}
	for k, v := range w.Env {
		w.Env[k] = expandUnresolvedToEmpty(v)
	}
	return w
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}

// expandUnresolvedToEmpty is expandEnvVars for secrets: an unset variable
// expands to nothing, so the worker sees the credential as absent.
func expandUnresolvedToEmpty(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}
