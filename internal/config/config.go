package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "perftest.yaml"

// Config holds all perftest configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Engine  EngineConfig  `yaml:"engine"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig selects how a browser is obtained.
type BrowserConfig struct {
	LaunchMode  string   `yaml:"launch_mode"` // local, packaged, remote
	Bin         string   `yaml:"bin"`
	DebuggerURL string   `yaml:"debugger_url"`
	Headless    bool     `yaml:"headless"`
	NoSandbox   bool     `yaml:"no_sandbox"`
	Flags       []string `yaml:"flags"` // extra chrome flags, name=value
}

// EngineConfig holds the per-test deadlines.
type EngineConfig struct {
	FCPTimeout        string `yaml:"fcp_timeout"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	SettleDelay       string `yaml:"settle_delay"`
	RunBudget         string `yaml:"run_budget"` // multiplied by runs
	DefaultRuns       int    `yaml:"default_runs"`
}

// FetchConfig configures out-of-band document fetches.
type FetchConfig struct {
	Timeout              string `yaml:"timeout"`
	MaxRetries           int    `yaml:"max_retries"`
	UserAgentPassthrough bool   `yaml:"user_agent_passthrough"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	MaxConcurrentTests int    `yaml:"max_concurrent_tests"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
}

// LaunchModes lists the supported browser launch modes.
var LaunchModes = []string{"local", "packaged", "remote"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			LaunchMode: "local",
			Headless:   true,
		},
		Engine: EngineConfig{
			FCPTimeout:        "30s",
			NavigationTimeout: "60s",
			SettleDelay:       "2s",
			RunBudget:         "90s",
			DefaultRuns:       3,
		},
		Fetch: FetchConfig{
			Timeout:              "30s",
			MaxRetries:           2,
			UserAgentPassthrough: true,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			MaxConcurrentTests: 2,
			MaxBodyBytes:       1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if bin := os.Getenv("PERFTEST_CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
	if url := os.Getenv("PERFTEST_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
		if os.Getenv("PERFTEST_LAUNCH_MODE") == "" {
			c.Browser.LaunchMode = "remote"
		}
	}
	if mode := os.Getenv("PERFTEST_LAUNCH_MODE"); mode != "" {
		c.Browser.LaunchMode = strings.ToLower(mode)
	}
	if v := os.Getenv("PERFTEST_HEADLESS"); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = headless
		}
	}
	if addr := os.Getenv("PERFTEST_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("PERFTEST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetFCPTimeout returns how long a run waits for first contentful paint.
func (c *Config) GetFCPTimeout() time.Duration {
	return parseDuration(c.Engine.FCPTimeout, 30*time.Second)
}

// GetNavigationTimeout returns the per-run navigation deadline.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Engine.NavigationTimeout, 60*time.Second)
}

// GetSettleDelay returns the pause between the load event and metric collection.
func (c *Config) GetSettleDelay() time.Duration {
	return parseDuration(c.Engine.SettleDelay, 2*time.Second)
}

// GetRunBudget returns the per-run share of the global deadline.
func (c *Config) GetRunBudget() time.Duration {
	return parseDuration(c.Engine.RunBudget, 90*time.Second)
}

// GetFetchTimeout returns the document fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Fetch.Timeout, 30*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validMode := false
	for _, m := range LaunchModes {
		if c.Browser.LaunchMode == m {
			validMode = true
			break
		}
	}
	if !validMode {
		return fmt.Errorf("invalid browser launch mode: %s (valid: %v)", c.Browser.LaunchMode, LaunchModes)
	}
	if c.Browser.LaunchMode == "remote" && c.Browser.DebuggerURL == "" {
		return fmt.Errorf("remote launch mode requires browser.debugger_url (or PERFTEST_DEBUGGER_URL)")
	}
	if c.Engine.DefaultRuns < 1 {
		return fmt.Errorf("engine.default_runs must be positive, got %d", c.Engine.DefaultRuns)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Server.MaxConcurrentTests < 1 {
		return fmt.Errorf("server.max_concurrent_tests must be positive, got %d", c.Server.MaxConcurrentTests)
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	return nil
}
