// Package hostconfig holds the whole-binary YAML configuration: the
// knobs that belong to the host process rather than to any single
// workspace. Workspace-local policy lives in internal/overlay; nothing
// here can loosen a policy decision.
package hostconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level host configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audit    AuditConfig    `yaml:"audit"`
	Terminal TerminalConfig `yaml:"terminal"`
}

// ServerConfig controls the optional websocket event feed.
type ServerConfig struct {
	BindAddress     string `yaml:"bind_address"`
	Websocket       bool   `yaml:"websocket"`
	AllowAllOrigins bool   `yaml:"allow_all_origins"`
	LogLevel        string `yaml:"log_level"`
}

// AuditConfig locates the audit sink and its optional sqlite index.
type AuditConfig struct {
	Path      string `yaml:"path"`
	IndexPath string `yaml:"index_path"`
}

// TerminalConfig bounds per-session terminal state.
type TerminalConfig struct {
	MaxScrollbackLines int `yaml:"max_scrollback_lines"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: "127.0.0.1:6765",
			Websocket:   false,
			LogLevel:    "info",
		},
		Audit: AuditConfig{
			Path: "alicia-audit.jsonl",
		},
		Terminal: TerminalConfig{
			MaxScrollbackLines: 2000,
		},
	}
}

// Load reads path and merges it over DefaultConfig. A missing file is
// not an error: the defaults apply unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("hostconfig: failed to read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: failed to parse %q: %w", path, err)
	}

	if cfg.Terminal.MaxScrollbackLines < 1 {
		cfg.Terminal.MaxScrollbackLines = 1
	}
	return cfg, nil
}
