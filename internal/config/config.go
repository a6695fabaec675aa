// Package config handles reading and writing .keel/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Directive dedup policies accepted by SessionConfig.DirectiveDedup.
const (
	DedupAll   = "all"
	DedupTasks = "tasks"
)

// Config is the top-level structure for .keel/config.yaml.
type Config struct {
	Version int           `yaml:"version"`
	DataDir string        `yaml:"data_dir"`
	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig controls the HTTP/WebSocket API.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Debug          bool     `yaml:"debug"`
}

// RuntimeConfig controls how the agent runtime process is spawned.
type RuntimeConfig struct {
	Command        string   `yaml:"command"`
	Model          string   `yaml:"model"`
	AllowedTools   []string `yaml:"allowed_tools"`
	TimeoutPerTurn int      `yaml:"timeout_per_turn"` // seconds
	ExtraArgs      []string `yaml:"extra_args"`
}

// SessionConfig controls background session behaviour.
type SessionConfig struct {
	PauseBetweenPhases bool   `yaml:"pause_between_phases"`
	AutoContinueDelay  int    `yaml:"auto_continue_delay_ms"`
	MailboxLimit       int    `yaml:"mailbox_limit"`
	MailboxTrimTo      int    `yaml:"mailbox_trim_to"`
	ToolOutputLimit    int    `yaml:"tool_output_limit"`
	DirectiveDedup     string `yaml:"directive_dedup"` // "all" | "tasks"
	ReapAfterMinutes   int    `yaml:"reap_after_minutes"`
	WorkspaceRoot      string `yaml:"workspace_root"`
}

const configDir = ".keel"
const configFile = "config.yaml"

// ReadConfig reads .keel/config.yaml from the given project directory.
// dir is the project root (not .keel/ itself).
// Missing fields keep their DefaultConfig values.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteConfig writes cfg to .keel/config.yaml in the given project directory.
// Creates the .keel/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: configDir,
		Server: ServerConfig{
			Addr: ":8420",
		},
		Runtime: RuntimeConfig{
			Command:        "claude",
			Model:          "opus",
			AllowedTools:   []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob"},
			TimeoutPerTurn: 1800,
		},
		Session: SessionConfig{
			PauseBetweenPhases: false,
			AutoContinueDelay:  1000,
			MailboxLimit:       1000,
			MailboxTrimTo:      500,
			ToolOutputLimit:    500,
			DirectiveDedup:     DedupAll,
			ReapAfterMinutes:   60,
		},
	}
}

// Validate reports configuration values that cannot work at runtime.
func (c *Config) Validate() error {
	switch c.Session.DirectiveDedup {
	case DedupAll, DedupTasks:
	default:
		return fmt.Errorf("invalid session.directive_dedup %q (want %q or %q)", c.Session.DirectiveDedup, DedupAll, DedupTasks)
	}
	if c.Session.MailboxLimit <= 0 || c.Session.MailboxTrimTo <= 0 || c.Session.MailboxTrimTo > c.Session.MailboxLimit {
		return fmt.Errorf("invalid mailbox bounds: limit=%d trim_to=%d", c.Session.MailboxLimit, c.Session.MailboxTrimTo)
	}
	if c.Session.ToolOutputLimit <= 0 {
		return fmt.Errorf("session.tool_output_limit must be positive, got %d", c.Session.ToolOutputLimit)
	}
	if c.Runtime.Command == "" {
		return fmt.Errorf("runtime.command must not be empty")
	}
	return nil
}

// ResolveDataDir returns the data directory as an absolute path rooted at dir
// when it is relative.
func (c *Config) ResolveDataDir(dir string) string {
	if filepath.IsAbs(c.DataDir) {
		return c.DataDir
	}
	return filepath.Join(dir, c.DataDir)
}

// TurnTimeout returns the per-turn runtime timeout.
func (r RuntimeConfig) TurnTimeout() time.Duration {
	if r.TimeoutPerTurn <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(r.TimeoutPerTurn) * time.Second
}

// ContinueDelay returns the delay before an auto-continued phase starts.
func (s SessionConfig) ContinueDelay() time.Duration {
	if s.AutoContinueDelay < 0 {
		return 0
	}
	return time.Duration(s.AutoContinueDelay) * time.Millisecond
}

// ReapAfter returns the idle age after which terminal, disconnected sessions
// are evicted. Zero disables reaping.
func (s SessionConfig) ReapAfter() time.Duration {
	if s.ReapAfterMinutes <= 0 {
		return 0
	}
	return time.Duration(s.ReapAfterMinutes) * time.Minute
}
