package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/fetch"
)

// Fetcher retrieves the real navigation document for a rewrite.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Stats counts how intercepted requests were resolved.
type Stats struct {
	Blocked     int64
	Rewritten   int64
	PassThrough int64
	Continued   int64
	Failed      int64
}

// Interceptor resolves every intercepted request of one page according to a Set.
// A request is always resolved exactly once, whatever happens while handling it.
type Interceptor struct {
	ctx          context.Context
	rules        *Set
	fetcher      Fetcher
	disableCache bool
	logger       *zap.Logger

	blocked, rewritten, passThrough, continued, failed atomic.Int64
}

// NewInterceptor builds an Interceptor whose out-of-band fetches are bound to ctx.
func NewInterceptor(ctx context.Context, rules *Set, fetcher Fetcher, disableCache bool, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		ctx:          ctx,
		rules:        rules,
		fetcher:      fetcher,
		disableCache: disableCache,
		logger:       logger,
	}
}

// Handle is a browser.RequestHandler.
func (i *Interceptor) Handle(req browser.Request) {
	r := &onceRequest{Request: req}
	defer func() {
		if p := recover(); p != nil {
			i.logger.Warn("rule evaluation panicked", zap.String("request_url", safeURL(req)), zap.Any("panic", p))
			if r.resolve() {
				i.failed.Add(1)
				req.Abort(browser.ReasonFailed)
			}
		}
	}()

	info := RequestInfo{URL: req.URL(), ResourceType: req.ResourceType(), IsNavigation: req.IsNavigation()}
	switch i.rules.Decide(info) {
	case ActionAbort:
		i.blocked.Add(1)
		i.logger.Debug("request blocked", zap.String("request_url", info.URL))
		r.Abort(browser.ReasonBlockedByClient)
	case ActionRewrite:
		i.rewrite(r, info)
	default:
		i.continued.Add(1)
		r.Continue()
	}
}

func (i *Interceptor) rewrite(req *onceRequest, info RequestInfo) {
	upstream, err := i.fetcher.Fetch(i.ctx, fetch.Request{URL: info.URL, Method: req.Method(), Headers: req.Headers()})
	if err != nil {
		i.failed.Add(1)
		i.logger.Warn("document fetch failed, aborting request", zap.String("request_url", info.URL), zap.Error(err))
		req.Abort(browser.ReasonFailed)
		return
	}

	headers := upstream.Headers.Clone()
	if i.disableCache {
		headers.Set("Cache-Control", "no-store")
		headers.Set("Pragma", "no-cache")
	}
	if !upstream.OK() || !IsHTML(upstream.Headers) {
		i.passThrough.Add(1)
		i.logger.Debug("document passed through unmodified",
			zap.String("request_url", info.URL),
			zap.Int("status", upstream.Status),
			zap.String("content_type", upstream.Headers.Get("Content-Type")))
		req.Respond(browser.Response{Status: upstream.Status, Headers: headers, Body: upstream.Body})
		return
	}

	body, st, err := i.rules.Rewrite(string(upstream.Body))
	if err != nil {
		i.failed.Add(1)
		i.logger.Warn("document rewrite failed, aborting request", zap.String("request_url", info.URL), zap.Error(err))
		req.Abort(browser.ReasonFailed)
		return
	}
	headers.Del("Content-Length")
	i.rewritten.Add(1)
	if ce := i.logger.Check(zap.DebugLevel, "document rewritten"); ce != nil {
		ce.Write(
			zap.String("request_url", info.URL),
			zap.Int("deferred", st.Deferred),
			zap.Int("replaced", st.Replaced),
			zap.Int("deferred_scripts_total", CountDeferred(body)))
	}
	req.Respond(browser.Response{Status: upstream.Status, Headers: headers, Body: []byte(body)})
}

// Stats returns a snapshot of the counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		Blocked:     i.blocked.Load(),
		Rewritten:   i.rewritten.Load(),
		PassThrough: i.passThrough.Load(),
		Continued:   i.continued.Load(),
		Failed:      i.failed.Load(),
	}
}

// onceRequest drops any resolution after the first.
type onceRequest struct {
	browser.Request
	mu   sync.Mutex
	done bool
}

func (r *onceRequest) resolve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}

func (r *onceRequest) Abort(reason browser.ErrorReason) {
	if r.resolve() {
		r.Request.Abort(reason)
	}
}

func (r *onceRequest) Respond(resp browser.Response) {
	if r.resolve() {
		r.Request.Respond(resp)
	}
}

func (r *onceRequest) Continue() {
	if r.resolve() {
		r.Request.Continue()
	}
}

func safeURL(req browser.Request) (u string) {
	defer func() {
		if recover() != nil {
			u = fmt.Sprintf("%T", req)
		}
	}()
	return req.URL()
}
