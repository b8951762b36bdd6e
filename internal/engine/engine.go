// Package engine drives test invocations: repeated isolated page loads under
// a throttling profile, with request rules applied, aggregated into medians.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/rules"
	"github.com/irisor/perf-tester/internal/telemetry"
	"github.com/irisor/perf-tester/internal/throttle"
	"github.com/irisor/perf-tester/internal/types"
)

// Options holds the engine's deadlines and defaults.
type Options struct {
	FCPTimeout        time.Duration
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	// RunBudget times runs is the global deadline of one invocation.
	RunBudget   time.Duration
	DefaultRuns int
	// MatchTimeout bounds every regex evaluation of the rule engine.
	MatchTimeout time.Duration
	// DisableUserAgentPassthrough stops document fetches from carrying the
	// profile's user agent.
	DisableUserAgentPassthrough bool
}

// DefaultOptions returns the production deadlines.
func DefaultOptions() Options {
	return Options{
		FCPTimeout:        30 * time.Second,
		NavigationTimeout: 60 * time.Second,
		SettleDelay:       2 * time.Second,
		RunBudget:         90 * time.Second,
		DefaultRuns:       types.DefaultRuns,
		MatchTimeout:      rules.DefaultMatchTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FCPTimeout <= 0 {
		o.FCPTimeout = d.FCPTimeout
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = d.NavigationTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.RunBudget <= 0 {
		o.RunBudget = d.RunBudget
	}
	if o.DefaultRuns <= 0 {
		o.DefaultRuns = d.DefaultRuns
	}
	if o.MatchTimeout <= 0 {
		o.MatchTimeout = d.MatchTimeout
	}
	return o
}

// Engine runs tests. It holds no per-test state, so one Engine may serve
// concurrent invocations; each gets its own browser.
type Engine struct {
	launcher browser.Launcher
	fetcher  rules.Fetcher
	opts     Options
	logger   *zap.Logger

	rulesLogger  *zap.Logger
	vitalsLogger *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRulesLogger sets the logger handed to request interceptors.
func WithRulesLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.rulesLogger = l }
}

// WithVitalsLogger sets the logger handed to the paint timing bridge.
func WithVitalsLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.vitalsLogger = l }
}

// New builds an Engine. The launcher decides how a browser is obtained.
func New(launcher browser.Launcher, fetcher rules.Fetcher, opts Options, logger *zap.Logger, options ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		launcher: launcher,
		fetcher:  fetcher,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
	for _, o := range options {
		o(e)
	}
	if e.rulesLogger == nil {
		e.rulesLogger = logger
	}
	if e.vitalsLogger == nil {
		e.vitalsLogger = logger
	}
	return e
}

// Run executes one test invocation. The returned error wraps one of the
// package sentinels when it has a known cause; see Kind.
func (e *Engine) Run(ctx context.Context, req types.TestRequest) (*types.AggregateResult, error) {
	req = req.Normalize(e.opts.DefaultRuns)
	testID := uuid.NewString()
	log := e.logger.With(
		zap.String("test_id", testID),
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode)))

	if err := req.Validate(); err != nil {
		recordOutcome(KindValidation)
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	set, err := rules.Compile(req.Rules, e.opts.MatchTimeout)
	if err != nil {
		recordOutcome(KindValidation)
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.DryRun {
		recordOutcome("dry_run")
		log.Info("dry run, browser not launched")
		return types.DryRunResult(req), nil
	}

	ctx, span := telemetry.StartSpan(ctx, "perftest.test",
		telemetry.AttrTestID.String(testID),
		telemetry.AttrURL.String(req.URL),
		telemetry.AttrMode.String(string(req.Mode)),
		telemetry.AttrRuns.Int(req.Runs))
	defer span.End()

	budget := time.Duration(req.Runs) * e.opts.RunBudget
	gctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	log.Info("test started", zap.Int("runs", req.Runs), zap.Duration("budget", budget))
	res, err := e.run(gctx, req, set, log, testID)
	metricTestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrGlobalTimeout, budget, err)
		}
		kind := Kind(err)
		recordOutcome(kind)
		telemetry.RecordError(ctx, err)
		log.Error("test failed", zap.String("kind", kind), zap.Error(err))
		return nil, err
	}
	recordOutcome("ok")
	log.Info("test finished",
		zap.Any("fcp_ms", res.AverageMetrics.FCP),
		zap.Any("lcp_ms", res.AverageMetrics.LCP),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (e *Engine) run(ctx context.Context, req types.TestRequest, set *rules.Set, log *zap.Logger, testID string) (*types.AggregateResult, error) {
	profile, err := throttle.Lookup(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	b, err := e.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("failed to close browser", zap.Error(err))
		}
	}()

	fetcher := e.fetcher
	if !e.opts.DisableUserAgentPassthrough {
		fetcher = deviceFetcher{Fetcher: fetcher, userAgent: profile.UserAgent}
	}
	exec := &executor{
		opts:         e.opts,
		rules:        set,
		fetcher:      fetcher,
		profile:      profile,
		disableCache: req.DisableCache,
		logger:       log,
		rulesLogger:  e.rulesLogger.With(zap.String("test_id", testID)),
		vitalsLogger: e.vitalsLogger.With(zap.String("test_id", testID)),
	}

	runs := make([]types.RunSample, 0, req.Runs)
	for n := 1; n <= req.Runs; n++ {
		sample, st, err := exec.run(ctx, b, req.URL, n)
		recordInterception(st)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", n, err)
		}
		log.Info("run finished",
			zap.Int("run", n),
			zap.Any("fcp_ms", sample.FCP),
			zap.Any("lcp_ms", sample.LCP))
		runs = append(runs, sample)
	}

	shot, err := e.screenshot(ctx, b, req.URL)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	return &types.AggregateResult{
		Parameters:     req,
		AverageMetrics: Aggregate(runs),
		IndividualRuns: runs,
		Screenshot:     base64.StdEncoding.EncodeToString(shot),
	}, nil
}

// screenshot loads url once more on a clean page, without interception or
// throttling, and captures the full page.
func (e *Engine) screenshot(ctx context.Context, b browser.Browser, url string) ([]byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "perftest.screenshot")
	defer span.End()

	page, err := b.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			e.logger.Warn("failed to close screenshot page", zap.Error(err))
		}
	}()

	if err := navigate(ctx, page, url, e.opts.NavigationTimeout); err != nil {
		return nil, err
	}
	return page.Screenshot(ctx, true)
}
