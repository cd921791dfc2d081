package config

// Package config resolves server settings from an optional YAML file in the
// project root overlaid by environment variables. Environment wins.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the server.
type Config struct {
	// ProjectPath is the Lean project root (contains lean-toolchain).
	ProjectPath string `yaml:"project_path"`

	// Transport is "stdio" (default) or "http".
	Transport string `yaml:"transport"`

	// Addr is the listen address for the http transport.
	Addr string `yaml:"addr"`

	// Token guards the http transport when set. Never read from YAML.
	Token string `yaml:"-"`

	// DisabledTools are tool names rejected before dispatch.
	DisabledTools []string `yaml:"disabled_tools"`

	// RateScope is "per-backend" (default) or "global": whether the search
	// rate window is shared across all backends.
	RateScope string `yaml:"rate_scope"`

	// Self-hostable search backends.
	StateSearchURL string `yaml:"state_search_url"`
	HammerURL      string `yaml:"hammer_url"`
}

const fileName = ".lean-mcp.yaml"

// Load builds the configuration: defaults, then the project's YAML file if
// present, then environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Transport: "stdio",
		Addr:      "localhost:8356",
		RateScope: "per-backend",
	}

	root := strings.TrimSpace(os.Getenv("LEAN_PROJECT_PATH"))
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve LEAN_PROJECT_PATH: %w", err)
		}
		cfg.ProjectPath = abs
	}

	if cfg.ProjectPath != "" {
		path := filepath.Join(cfg.ProjectPath, fileName)
		if _, err := os.Stat(path); err == nil {
			if err := loadFromFile(path, cfg); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Transport != "stdio" && cfg.Transport != "http" {
		return nil, fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
	}
	if cfg.RateScope != "per-backend" && cfg.RateScope != "global" {
		return nil, fmt.Errorf("unknown rate_scope %q (want per-backend or global)", cfg.RateScope)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Transport, "LEAN_MCP_TRANSPORT")
	set(&cfg.Addr, "LEAN_MCP_ADDR")
	set(&cfg.Token, "LEAN_LSP_MCP_TOKEN")
	set(&cfg.RateScope, "LEAN_MCP_RATE_SCOPE")
	set(&cfg.StateSearchURL, "LEAN_STATE_SEARCH_URL")
	set(&cfg.HammerURL, "LEAN_HAMMER_URL")

	if v := strings.TrimSpace(os.Getenv("LEAN_MCP_DISABLED_TOOLS")); v != "" {
		cfg.DisabledTools = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.DisabledTools = append(cfg.DisabledTools, name)
			}
		}
	}
}

// Disabled returns the disabled tool names as a set.
func (c *Config) Disabled() map[string]bool {
	set := make(map[string]bool, len(c.DisabledTools))
	for _, name := range c.DisabledTools {
		set[name] = true
	}
	return set
}

// GlobalRateWindow reports whether all search backends share one window.
func (c *Config) GlobalRateWindow() bool {
	return c.RateScope == "global"
}
