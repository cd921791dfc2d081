package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so tests start from defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEAN_PROJECT_PATH",
		"LEAN_MCP_TRANSPORT",
		"LEAN_MCP_ADDR",
		"LEAN_LSP_MCP_TOKEN",
		"LEAN_MCP_RATE_SCOPE",
		"LEAN_MCP_DISABLED_TOOLS",
		"LEAN_STATE_SEARCH_URL",
		"LEAN_HAMMER_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, "localhost:8356", cfg.Addr)
	assert.Equal(t, "per-backend", cfg.RateScope)
	assert.False(t, cfg.GlobalRateWindow())
	assert.Empty(t, cfg.ProjectPath)
	assert.Empty(t, cfg.Disabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("LEAN_PROJECT_PATH", dir)
	t.Setenv("LEAN_MCP_TRANSPORT", "http")
	t.Setenv("LEAN_MCP_ADDR", "0.0.0.0:9000")
	t.Setenv("LEAN_LSP_MCP_TOKEN", "s3cret")
	t.Setenv("LEAN_MCP_RATE_SCOPE", "global")
	t.Setenv("LEAN_MCP_DISABLED_TOOLS", "lean_loogle, lean_hammer_premise")
	t.Setenv("LEAN_STATE_SEARCH_URL", "http://localhost:7777")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectPath)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.True(t, cfg.GlobalRateWindow())
	assert.Equal(t, "http://localhost:7777", cfg.StateSearchURL)

	disabled := cfg.Disabled()
	assert.True(t, disabled["lean_loogle"])
	assert.True(t, disabled["lean_hammer_premise"])
	assert.False(t, disabled["lean_goal"])
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	yaml := []byte("transport: http\naddr: 127.0.0.1:9999\ndisabled_tools:\n  - lean_build\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), yaml, 0o644))
	t.Setenv("LEAN_PROJECT_PATH", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.True(t, cfg.Disabled()["lean_build"])
}

func TestEnvWinsOverYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte("transport: http\n"), 0o644))
	t.Setenv("LEAN_PROJECT_PATH", dir)
	t.Setenv("LEAN_MCP_TRANSPORT", "stdio")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEAN_MCP_TRANSPORT", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)

	clearEnv(t)
	t.Setenv("LEAN_MCP_RATE_SCOPE", "sometimes")
	_, err = Load()
	require.Error(t, err)
}

func TestProjectPathMadeAbsolute(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEAN_PROJECT_PATH", ".")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.ProjectPath))
}
