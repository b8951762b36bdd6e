package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULTS AND FILE LOADING
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PERFTEST_CHROME_BIN", "PERFTEST_DEBUGGER_URL", "PERFTEST_LAUNCH_MODE",
		"PERFTEST_HEADLESS", "PERFTEST_ADDR", "PERFTEST_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "local", cfg.Browser.LaunchMode)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.GetFCPTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetNavigationTimeout())
	assert.Equal(t, 2*time.Second, cfg.GetSettleDelay())
	assert.Equal(t, 90*time.Second, cfg.GetRunBudget())
	assert.Equal(t, 30*time.Second, cfg.GetFetchTimeout())
	assert.Equal(t, 3, cfg.Engine.DefaultRuns)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "perftest.yaml")

	cfg := DefaultConfig()
	cfg.Browser.LaunchMode = "packaged"
	cfg.Browser.Flags = []string{"disable-gpu", "lang=en-US"}
	cfg.Engine.SettleDelay = "500ms"
	cfg.Server.MaxConcurrentTests = 4
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "packaged", loaded.Browser.LaunchMode)
	assert.Equal(t, []string{"disable-gpu", "lang=en-US"}, loaded.Browser.Flags)
	assert.Equal(t, 4, loaded.Server.MaxConcurrentTests)
	assert.Equal(t, cfg.Engine, loaded.Engine)
	assert.Equal(t, cfg.Fetch, loaded.Fetch)
	assert.Equal(t, 500*time.Millisecond, loaded.GetSettleDelay())
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "perftest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  navigation_timeout: 15s\nlogging:\n  level: debug\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.GetNavigationTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetFCPTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "local", cfg.Browser.LaunchMode)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perftest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unterminated"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestInvalidDurationFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.FCPTimeout = "soon"
	cfg.Engine.RunBudget = "-5s"
	assert.Equal(t, 30*time.Second, cfg.GetFCPTimeout())
	assert.Equal(t, 90*time.Second, cfg.GetRunBudget())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown launch mode", func(c *Config) { c.Browser.LaunchMode = "lambda" }, "invalid browser launch mode"},
		{"remote without url", func(c *Config) { c.Browser.LaunchMode = "remote" }, "debugger_url"},
		{"remote with url", func(c *Config) {
			c.Browser.LaunchMode = "remote"
			c.Browser.DebuggerURL = "ws://127.0.0.1:9222/devtools/browser/x"
		}, ""},
		{"zero runs", func(c *Config) { c.Engine.DefaultRuns = 0 }, "default_runs"},
		{"negative retries", func(c *Config) { c.Fetch.MaxRetries = -1 }, "max_retries"},
		{"zero concurrency", func(c *Config) { c.Server.MaxConcurrentTests = 0 }, "max_concurrent_tests"},
		{"zero body", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "max_body_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	assert.True(t, c.IsCategoryEnabled("engine"))

	c.Categories = map[string]bool{"rules": false, "engine": true}
	assert.False(t, c.IsCategoryEnabled("rules"))
	assert.True(t, c.IsCategoryEnabled("engine"))
	assert.True(t, c.IsCategoryEnabled("server"))
}
