package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/fetch"
	"github.com/irisor/perf-tester/internal/rules"
	"github.com/irisor/perf-tester/internal/telemetry"
	"github.com/irisor/perf-tester/internal/throttle"
	"github.com/irisor/perf-tester/internal/types"
	"github.com/irisor/perf-tester/internal/vitals"
)

// cacheBustHeaders are added to every page request when the cache is disabled.
var cacheBustHeaders = map[string]string{
	"Cache-Control": "no-cache",
	"Pragma":        "no-cache",
}

// executor performs single isolated runs against one browser.
type executor struct {
	opts         Options
	rules        *rules.Set
	fetcher      rules.Fetcher
	profile      throttle.Profile
	disableCache bool
	logger       *zap.Logger
	rulesLogger  *zap.Logger
	vitalsLogger *zap.Logger
}

// run opens a fresh page, measures one load of url and closes the page on
// every path.
func (e *executor) run(ctx context.Context, b browser.Browser, url string, n int) (types.RunSample, rules.Stats, error) {
	ctx, span := telemetry.StartSpan(ctx, "perftest.run", telemetry.AttrRun.Int(n))
	defer span.End()
	log := e.logger.With(zap.Int("run", n))

	page, err := b.NewPage(ctx)
	if err != nil {
		return types.RunSample{}, rules.Stats{}, fmt.Errorf("open page: %w", err)
	}
	// Interception work still in flight when the run ends must not outlive the page.
	icCtx, stopInterception := context.WithCancel(ctx)
	defer func() {
		stopInterception()
		if err := page.Close(); err != nil {
			log.Warn("failed to close page", zap.Error(err))
		}
	}()

	if err := e.configure(ctx, page); err != nil {
		return types.RunSample{}, rules.Stats{}, err
	}

	bridge, err := vitals.Install(page, e.opts.FCPTimeout, e.vitalsLogger.With(zap.Int("run", n)))
	if err != nil {
		return types.RunSample{}, rules.Stats{}, err
	}
	ic := rules.NewInterceptor(icCtx, e.rules, e.fetcher, e.disableCache, e.rulesLogger.With(zap.Int("run", n)))
	if err := page.Intercept(ic.Handle); err != nil {
		return types.RunSample{}, rules.Stats{}, fmt.Errorf("enable interception: %w", err)
	}

	if err := navigate(ctx, page, url, e.opts.NavigationTimeout); err != nil {
		telemetry.RecordError(ctx, err)
		return types.RunSample{}, ic.Stats(), err
	}

	if err := sleep(ctx, e.opts.SettleDelay); err != nil {
		return types.RunSample{}, ic.Stats(), err
	}

	sample := types.RunSample{FCP: bridge.WaitFCP(ctx)}
	if err := ctx.Err(); err != nil {
		return types.RunSample{}, ic.Stats(), err
	}
	sample.LCP, err = bridge.CollectLCP(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.RunSample{}, ic.Stats(), ctxErr
		}
		log.Warn("lcp unavailable", zap.Error(err))
		sample.LCP = null.Float{}
	}

	st := ic.Stats()
	recordSample(sample, e.profile.Name)
	if sample.FCP.Valid {
		span.SetAttributes(telemetry.AttrFCP.Float64(sample.FCP.Float64))
	}
	if sample.LCP.Valid {
		span.SetAttributes(telemetry.AttrLCP.Float64(sample.LCP.Float64))
	}
	log.Debug("interception summary",
		zap.Int64("blocked", st.Blocked),
		zap.Int64("rewritten", st.Rewritten),
		zap.Int64("passthrough", st.PassThrough),
		zap.Int64("continued", st.Continued),
		zap.Int64("failed", st.Failed))
	return sample, st, nil
}

// configure applies device, cache and throttling emulation. It runs before
// anything is installed on the page.
func (e *executor) configure(ctx context.Context, page browser.Page) error {
	p := e.profile
	vp := browser.Viewport{
		Width:             p.Viewport.Width,
		Height:            p.Viewport.Height,
		DeviceScaleFactor: p.Viewport.DeviceScaleFactor,
		Mobile:            p.Viewport.Mobile,
	}
	if err := page.SetViewport(ctx, vp); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if p.UserAgent != "" {
		if err := page.SetUserAgent(ctx, p.UserAgent); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if err := page.SetCacheEnabled(ctx, !e.disableCache); err != nil {
		return fmt.Errorf("set cache policy: %w", err)
	}
	if e.disableCache {
		if err := page.SetExtraHeaders(ctx, cacheBustHeaders); err != nil {
			return fmt.Errorf("set cache-busting headers: %w", err)
		}
	}
	cond := browser.NetworkConditions{
		LatencyMs:          p.LatencyMs,
		DownloadThroughput: p.DownloadBytesPerSec(),
		UploadThroughput:   p.UploadBytesPerSec(),
	}
	if err := page.EmulateNetwork(ctx, cond); err != nil {
		return fmt.Errorf("emulate network: %w", err)
	}
	if err := page.EmulateCPU(ctx, p.CPUSlowdownFactor); err != nil {
		return fmt.Errorf("emulate cpu: %w", err)
	}
	return nil
}

// navigate loads url under its own deadline. Exceeding that deadline is
// ErrNavigationTimeout; an ended parent ctx is returned as is.
func navigate(ctx context.Context, page browser.Page, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := page.Navigate(navCtx, url)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrNavigationTimeout, url, timeout)
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recordSample(s types.RunSample, mode types.Mode) {
	for name, v := range map[string]null.Float{"fcp": s.FCP, "lcp": s.LCP} {
		if v.Valid {
			metricPaint.WithLabelValues(name, string(mode)).Observe(v.Float64)
		} else {
			metricPaintMissing.WithLabelValues(name).Inc()
		}
	}
}

// deviceFetcher presents out-of-band document fetches with the emulated
// device's user agent.
type deviceFetcher struct {
	rules.Fetcher
	userAgent string
}

func (f deviceFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	if f.userAgent != "" {
		h := req.Headers.Clone()
		if h == nil {
			h = http.Header{}
		}
		h.Set("User-Agent", f.userAgent)
		req.Headers = h
	}
	return f.Fetcher.Fetch(ctx, req)
}
