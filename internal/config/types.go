package config

import (
	"path/filepath"
	"time"
)

// Worker roles known to the configuration.
const (
	RoleBrowser = "browser"
	RoleCAD     = "cad"
)

// Wire protocols a worker may speak on stdio.
const (
	// ProtocolEnvelope is the line envelope protocol with a ready
	// notification.
	ProtocolEnvelope = "envelope"
	// ProtocolMCP is MCP JSON-RPC; the worker is an MCP stdio server.
	ProtocolMCP      = "mcp"
)

// Config is the top-level workerbus configuration.
type Config struct {
	Log LogConfig `toml:"log" yaml:"log"`
	// AssetsDir holds the worker scripts. Empty means paths.AssetsDir().
	AssetsDir string                  `toml:"assets_dir" yaml:"assets_dir,omitempty"`
	Workers   map[string]WorkerConfig `toml:"workers" yaml:"workers"`
}

// LogConfig selects the logger's level and encoder.
type LogConfig struct {
	Level       string `toml:"level" yaml:"level,omitempty"`
	Development bool   `toml:"development" yaml:"development,omitempty"`
}

// WorkerConfig describes how to launch one worker role.
type WorkerConfig struct {
	// Python is the configured interpreter; empty falls through to the
	// environment and virtual environment lookups.
	Python string   `toml:"python" yaml:"python,omitempty"`
	Script string   `toml:"script" yaml:"script,omitempty"`
	Args   []string `toml:"args" yaml:"args,omitempty"`
	Dir    string   `toml:"dir" yaml:"dir,omitempty"`

	// Protocol is ProtocolEnvelope or ProtocolMCP; empty means envelope.
	Protocol string `toml:"protocol" yaml:"protocol,omitempty"`

	ReadyTimeout string `toml:"ready_timeout" yaml:"ready_timeout,omitempty"`
	// IdleTimeout of zero keeps the worker alive until the CLI exits.
	IdleTimeout string `toml:"idle_timeout" yaml:"idle_timeout,omitempty"`
	MaxEvents   int    `toml:"max_events" yaml:"max_events,omitempty"`

	Env map[string]string `toml:"env" yaml:"env,omitempty"`

	// Browser only.
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env,omitempty"`
	APIKey    string `toml:"api_key" yaml:"api_key,omitempty"`
}

// defaultScripts are relative to the assets directory.
var defaultScripts = map[string]string{
	RoleBrowser: filepath.Join("BrowserAgent", "browser_use_worker.py"),
	RoleCAD:     filepath.Join("OnShapeAgent", "onshape_mcp_server.py"),
}

// ProtocolName returns the worker's protocol, defaulting to envelope.
func (w WorkerConfig) ProtocolName() string {
	if w.Protocol == "" {
		return ProtocolEnvelope
	}
	return w.Protocol
}

// ReadyTimeoutDuration parses ReadyTimeout, returning zero when unset.
func (w WorkerConfig) ReadyTimeoutDuration() time.Duration {
	return parseDuration(w.ReadyTimeout)
}

// IdleTimeoutDuration parses IdleTimeout, returning zero when unset.
func (w WorkerConfig) IdleTimeoutDuration() time.Duration {
	return parseDuration(w.IdleTimeout)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
