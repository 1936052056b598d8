package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "WORKERBUS"

// envOverrides are read from WORKERBUS_* variables and win over the file.
type envOverrides struct {
	LogLevel            string `split_words:"true"`
	LogDevelopment      bool   `split_words:"true"`
	BrowserReadyTimeout string `split_words:"true"`
	CadReadyTimeout     string `split_words:"true"`
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("reading %s_* environment: %w", envPrefix, err)
	}

	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	cfg.Log.Development = cfg.Log.Development || env.LogDevelopment
	overrideReady := func(role, timeout string) {
		if timeout == "" {
			return
		}
		w := cfg.Workers[role]
		w.ReadyTimeout = timeout
		cfg.Workers[role] = w
	}
	overrideReady(RoleBrowser, env.BrowserReadyTimeout)
	overrideReady(RoleCAD, env.CadReadyTimeout)
	return nil
}
