package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// rodBrowser owns one Chrome connection. Every page gets its own incognito
// context so no cache, cookies or storage leak between runs.
type rodBrowser struct {
	browser *rod.Browser
	launch  *launcher.Launcher // nil when attached to a remote browser
	cancel  context.CancelFunc
	logger  *zap.Logger
	once    sync.Once
}

func newRodBrowser(ctx context.Context, controlURL string, l *launcher.Launcher, logger *zap.Logger) (*rodBrowser, error) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := rod.New().ControlURL(controlURL).Context(bctx)
	if err := b.Connect(); err != nil {
		cancel()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &rodBrowser{browser: b, launch: l, cancel: cancel, logger: logger}, nil
}

// NewPage opens a blank page in a fresh incognito context.
func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = page.Close()
		_ = incognito.Close()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}
	return &rodPage{page: page, context: incognito, logger: b.logger}, nil
}

// Close shuts the browser down. A remote browser is only disconnected.
func (b *rodBrowser) Close() error {
	var err error
	b.once.Do(func() {
		if b.launch != nil {
			err = b.browser.Close()
			b.launch.Kill()
			b.launch.Cleanup()
		}
		b.cancel()
	})
	return err
}

type rodPage struct {
	page    *rod.Page
	context *rod.Browser
	logger  *zap.Logger

	mu       sync.Mutex
	router   *rod.HijackRouter
	cleanups []func() error
	closed   bool
}

func (p *rodPage) SetViewport(ctx context.Context, vp Viewport) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: vp.DeviceScaleFactor,
		Mobile:            vp.Mobile,
	})
}

func (p *rodPage) SetUserAgent(ctx context.Context, ua string) error {
	return p.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (p *rodPage) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return proto.NetworkSetCacheDisabled{CacheDisabled: !enabled}.Call(p.page.Context(ctx))
}

func (p *rodPage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	dict := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		dict = append(dict, k, v)
	}
	cleanup, err := p.page.Context(ctx).SetExtraHeaders(dict)
	if err != nil {
		return err
	}
	p.addCleanup(func() error {
		cleanup()
		return nil
	})
	return nil
}

func (p *rodPage) EmulateNetwork(ctx context.Context, cond NetworkConditions) error {
	return proto.NetworkEmulateNetworkConditions{
		Offline:            false,
		Latency:            cond.LatencyMs,
		DownloadThroughput: cond.DownloadThroughput,
		UploadThroughput:   cond.UploadThroughput,
	}.Call(p.page.Context(ctx))
}

func (p *rodPage) EmulateCPU(ctx context.Context, rate float64) error {
	return proto.EmulationSetCPUThrottlingRate{Rate: rate}.Call(p.page.Context(ctx))
}

func (p *rodPage) Intercept(handler RequestHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.router != nil {
		return errors.New("interception already enabled")
	}
	router := p.page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		h.OnError = func(err error) {
			p.logger.Debug("hijack resolve failed", zap.String("request_url", h.Request.URL().String()), zap.Error(err))
		}
		handler(&rodRequest{hijack: h})
	})
	if err != nil {
		return fmt.Errorf("add hijack route: %w", err)
	}
	go router.Run()
	p.router = router
	return nil
}

func (p *rodPage) ExposeFunction(name string, fn func(args []byte)) error {
	stop, err := p.page.Expose(name, func(arg gson.JSON) (interface{}, error) {
		raw, err := arg.MarshalJSON()
		if err != nil {
			return nil, err
		}
		fn(raw)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose %s: %w", name, err)
	}
	p.addCleanup(stop)
	return nil
}

func (p *rodPage) AddInitScript(js string) error {
	remove, err := p.page.EvalOnNewDocument(js)
	if err != nil {
		return fmt.Errorf("add init script: %w", err)
	}
	p.addCleanup(remove)
	return nil
}

func (p *rodPage) Evaluate(ctx context.Context, js string) ([]byte, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []byte("null"), nil
	}
	return res.Value.MarshalJSON()
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	wait := page.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := page.Navigate(url); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close stops interception, closes the page and disposes its incognito context.
func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	router := p.router
	cleanups := p.cleanups
	p.mu.Unlock()

	var errs []error
	if router != nil {
		if err := router.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop hijack router: %w", err))
		}
	}
	for _, c := range cleanups {
		// Cleanups talk to a target that is about to go away; their errors are noise.
		_ = c()
	}
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := p.context.Close(); err != nil {
		errs = append(errs, fmt.Errorf("dispose incognito context: %w", err))
	}
	return errors.Join(errs...)
}

func (p *rodPage) addCleanup(fn func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, fn)
}

// rodRequest adapts a paused fetch to Request. The router resolves the request
// from the state left on the hijack once the handler returns.
type rodRequest struct {
	hijack *rod.Hijack
}

func (r *rodRequest) URL() string    { return r.hijack.Request.URL().String() }
func (r *rodRequest) Method() string { return r.hijack.Request.Method() }

func (r *rodRequest) Headers() http.Header {
	out := make(http.Header)
	for k, v := range r.hijack.Request.Headers() {
		out.Set(k, v.String())
	}
	return out
}

func (r *rodRequest) ResourceType() ResourceType {
	return ResourceType(r.hijack.Request.Type())
}

func (r *rodRequest) IsNavigation() bool {
	return r.hijack.Request.Type() == proto.NetworkResourceTypeDocument
}

func (r *rodRequest) Abort(reason ErrorReason) {
	r.hijack.Response.Fail(proto.NetworkErrorReason(reason))
}

func (r *rodRequest) Respond(resp Response) {
	payload := r.hijack.Response.Payload()
	payload.ResponseCode = resp.Status
	payload.ResponseHeaders = make([]*proto.FetchHeaderEntry, 0, len(resp.Headers))
	for name, values := range resp.Headers {
		for _, v := range values {
			payload.ResponseHeaders = append(payload.ResponseHeaders, &proto.FetchHeaderEntry{Name: name, Value: v})
		}
	}
	payload.Body = resp.Body
}

func (r *rodRequest) Continue() {
	r.hijack.ContinueRequest(&proto.FetchContinueRequest{})
}
