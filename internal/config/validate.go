package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	if !logLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q, want debug, info, warn or error", cfg.Log.Level))
	}

	roles := make([]string, 0, len(cfg.Workers))
	for role := range cfg.Workers {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		if _, known := defaultScripts[role]; !known {
			errs = append(errs, fmt.Errorf("workers.%s: unknown worker role, want %s or %s", role, RoleBrowser, RoleCAD))
			continue
		}
		errs = append(errs, validateWorker(role, cfg.Workers[role])...)
	}

	return errors.Join(errs...)
}

// ValidateForCurrentEnv checks config invariants after expanding ${ENV_VAR}
// placeholders against the current process environment.
func ValidateForCurrentEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	expanded := cloneConfig(cfg)
	expandConfigEnvVars(expanded)
	return Validate(expanded)
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}

	cloned := &Config{
		Log:       cfg.Log,
		AssetsDir: cfg.AssetsDir,
		Workers:   make(map[string]WorkerConfig, len(cfg.Workers)),
	}
	for role, w := range cfg.Workers {
		cloned.Workers[role] = cloneWorkerConfig(w)
	}
	return cloned
}

func cloneWorkerConfig(w WorkerConfig) WorkerConfig {
	cloned := w
	if w.Args != nil {
		cloned.Args = append([]string(nil), w.Args...)
	}
	cloned.Env = cloneStringMap(w.Env)
	return cloned
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validateWorker(role string, w WorkerConfig) []error {
	var errs []error

	errs = append(errs, validateDuration(role, "ready_timeout", w.ReadyTimeout, false)...)
	errs = append(errs, validateDuration(role, "idle_timeout", w.IdleTimeout, true)...)

	switch w.Protocol {
	case "", ProtocolEnvelope:
	case ProtocolMCP:
		if role != RoleCAD {
			errs = append(errs, fmt.Errorf("workers.%s.protocol: %q is only supported by the cad worker", role, w.Protocol))
		}
	default:
		errs = append(errs, fmt.Errorf("workers.%s.protocol: unknown protocol %q, want %s or %s", role, w.Protocol, ProtocolEnvelope, ProtocolMCP))
	}

	if w.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("workers.%s.max_events: must be >= 0, got %d", role, w.MaxEvents))
	}

	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !envNameRe.MatchString(k) {
			errs = append(errs, fmt.Errorf("workers.%s.env: invalid variable name %q", role, k))
		}
	}

	if w.APIKeyEnv != "" && !envNameRe.MatchString(w.APIKeyEnv) {
		errs = append(errs, fmt.Errorf("workers.%s.api_key_env: invalid variable name %q", role, w.APIKeyEnv))
	}
	if role != RoleBrowser && (w.APIKeyEnv != "" || w.APIKey != "") {
		errs = append(errs, fmt.Errorf("workers.%s: api_key and api_key_env only apply to the browser worker", role))
	}

	return errs
}

func validateDuration(role, field, value string, allowZero bool) []error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("workers.%s.%s: invalid duration %q: %w", role, field, value, err)}
	}
	switch {
	case d < 0:
		return []error{fmt.Errorf("workers.%s.%s: must be >= 0, got %q", role, field, value)}
	case d == 0 && !allowZero:
		return []error{fmt.Errorf("workers.%s.%s: must be > 0, got %q", role, field, value)}
	}
	return nil
}
