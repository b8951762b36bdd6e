package main

import (
	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/config"
	"github.com/irisor/perf-tester/internal/engine"
	"github.com/irisor/perf-tester/internal/fetch"
	"github.com/irisor/perf-tester/internal/logging"
)

// buildEngine wires the launcher, fetch client and engine from cfg.
func buildEngine(cfg *config.Config, base *zap.Logger) (*engine.Engine, error) {
	launcher, err := browser.NewLauncher(browser.Options{
		Mode:        browser.LaunchMode(cfg.Browser.LaunchMode),
		Bin:         cfg.Browser.Bin,
		DebuggerURL: cfg.Browser.DebuggerURL,
		Headless:    cfg.Browser.Headless,
		NoSandbox:   cfg.Browser.NoSandbox,
		Flags:       cfg.Browser.Flags,
	}, logging.For(base, logging.CategoryBrowser))
	if err != nil {
		return nil, err
	}

	fetcher := fetch.New(fetch.Options{
		Timeout:    cfg.GetFetchTimeout(),
		MaxRetries: uint64(cfg.Fetch.MaxRetries),
	}, logging.For(base, logging.CategoryRules))

	opts := engine.DefaultOptions()
	opts.FCPTimeout = cfg.GetFCPTimeout()
	opts.NavigationTimeout = cfg.GetNavigationTimeout()
	opts.SettleDelay = cfg.GetSettleDelay()
	opts.RunBudget = cfg.GetRunBudget()
	opts.DefaultRuns = cfg.Engine.DefaultRuns
	opts.DisableUserAgentPassthrough = !cfg.Fetch.UserAgentPassthrough

	return engine.New(launcher, fetcher, opts, logging.For(base, logging.CategoryEngine),
		engine.WithRulesLogger(logging.For(base, logging.CategoryRules)),
		engine.WithVitalsLogger(logging.For(base, logging.CategoryVitals)),
	), nil
}
