package rules

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/browser/browsertest"
	"github.com/irisor/perf-tester/internal/fetch"
	"github.com/irisor/perf-tester/internal/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	resp  *fetch.Response
	err   error
	panic bool
	calls []fetch.Request
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.panic {
		panic("upstream exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func htmlResponse(body string) *fetch.Response {
	return &fetch.Response{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Content-Length": {"999"}},
		Body:    []byte(body),
	}
}

func navRequest(url string) *browsertest.Request {
	return browsertest.NewRequest(browsertest.RequestSpec{
		URL:        url,
		Type:       browser.ResourceDocument,
		Navigation: true,
		Headers:    http.Header{"User-Agent": {"perf-ua"}},
	})
}

func newTestInterceptor(t *testing.T, r types.ModificationRules, f Fetcher, disableCache bool) *Interceptor {
	t.Helper()
	return NewInterceptor(context.Background(), mustCompile(t, r), f, disableCache, nil)
}

func TestInterceptorBlockNeverReachesNetwork(t *testing.T) {
	f := &fakeFetcher{resp: htmlResponse("<html></html>")}
	ic := newTestInterceptor(t, types.ModificationRules{
		Block: []string{"adtrack.js"},
		Defer: []string{"lib.js"},
	}, f, false)

	script := browsertest.NewRequest(browsertest.RequestSpec{URL: "https://cdn.test/adtrack.js", Type: browser.ResourceScript})
	ic.Handle(script)
	doc := navRequest("https://site.test/adtrack.js/landing")
	ic.Handle(doc)

	for _, req := range []*browsertest.Request{script, doc} {
		assert.Equal(t, browsertest.ActionAbort, req.Action())
		assert.Equal(t, browser.ReasonBlockedByClient, req.Reason())
		assert.Equal(t, 1, req.Resolves())
	}
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, int64(2), ic.Stats().Blocked)
}

func TestInterceptorContinuesSubresourcesAndPlainDocuments(t *testing.T) {
	f := &fakeFetcher{resp: htmlResponse("<html></html>")}
	ic := newTestInterceptor(t, types.ModificationRules{Block: []string{"adtrack.js"}}, f, false)

	doc := navRequest("https://site.test/")
	img := browsertest.NewRequest(browsertest.RequestSpec{URL: "https://site.test/a.png", Type: browser.ResourceImage})
	ic.Handle(doc)
	ic.Handle(img)

	assert.Equal(t, browsertest.ActionContinue, doc.Action())
	assert.Equal(t, browsertest.ActionContinue, img.Action())
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, int64(2), ic.Stats().Continued)
}

func TestInterceptorRewritesNavigationDocument(t *testing.T) {
	f := &fakeFetcher{resp: htmlResponse(`<html><head><script src="/vendor/lib.js"></script><script src="/app.js"></script></head><body><h1>Promo</h1><p>x</p></body></html>`)}
	ic := newTestInterceptor(t, types.ModificationRules{
		Defer:       []string{"lib.js"},
		HTMLReplace: &types.HTMLReplace{Find: "<h1>.*?</h1>", Replace: ""},
	}, f, false)

	req := navRequest("https://site.test/")
	ic.Handle(req)

	require.Equal(t, browsertest.ActionRespond, req.Action())
	resp := req.Response()
	body := string(resp.Body)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, body, `<script src="/vendor/lib.js" defer>`)
	assert.Contains(t, body, `<script src="/app.js"></script>`)
	assert.NotContains(t, body, "<h1>")
	assert.Empty(t, resp.Headers.Get("Content-Length"))
	assert.Empty(t, resp.Headers.Get("Cache-Control"))
	assert.Equal(t, 1, req.Resolves())

	require.Equal(t, 1, f.Calls())
	assert.Equal(t, "https://site.test/", f.calls[0].URL)
	assert.Equal(t, http.MethodGet, f.calls[0].Method)
	assert.Equal(t, "perf-ua", f.calls[0].Headers.Get("User-Agent"))
	assert.Equal(t, int64(1), ic.Stats().Rewritten)
}

func TestInterceptorDisableCacheHeaders(t *testing.T) {
	f := &fakeFetcher{resp: htmlResponse(`<script src="/lib.js"></script>`)}
	ic := newTestInterceptor(t, types.ModificationRules{Defer: []string{"lib.js"}}, f, true)

	req := navRequest("https://site.test/")
	ic.Handle(req)

	require.Equal(t, browsertest.ActionRespond, req.Action())
	assert.Equal(t, "no-store", req.Response().Headers.Get("Cache-Control"))
	assert.Equal(t, "no-cache", req.Response().Headers.Get("Pragma"))
}

func TestInterceptorPassesThroughNonHTMLAndErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		resp *fetch.Response
	}{
		{"json", &fetch.Response{Status: http.StatusOK, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"lib.js":1}`)}},
		{"not found", &fetch.Response{Status: http.StatusNotFound, Headers: http.Header{"Content-Type": {"text/html"}}, Body: []byte(`<script src="/lib.js"></script>`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{resp: tt.resp}
			ic := newTestInterceptor(t, types.ModificationRules{Defer: []string{"lib.js"}}, f, false)

			req := navRequest("https://site.test/")
			ic.Handle(req)

			require.Equal(t, browsertest.ActionRespond, req.Action())
			assert.Equal(t, tt.resp.Status, req.Response().Status)
			assert.Equal(t, tt.resp.Body, req.Response().Body)
			assert.Equal(t, int64(1), ic.Stats().PassThrough)
		})
	}
}

func TestInterceptorFetchFailureAborts(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	ic := newTestInterceptor(t, types.ModificationRules{Defer: []string{"lib.js"}}, f, false)

	req := navRequest("https://site.test/")
	ic.Handle(req)

	assert.Equal(t, browsertest.ActionAbort, req.Action())
	assert.Equal(t, browser.ReasonFailed, req.Reason())
	assert.Equal(t, 1, req.Resolves())
	assert.Equal(t, int64(1), ic.Stats().Failed)
}

func TestInterceptorRecoversFromPanic(t *testing.T) {
	f := &fakeFetcher{panic: true}
	ic := newTestInterceptor(t, types.ModificationRules{Defer: []string{"lib.js"}}, f, false)

	req := navRequest("https://site.test/")
	require.NotPanics(t, func() { ic.Handle(req) })

	assert.Equal(t, browsertest.ActionAbort, req.Action())
	assert.Equal(t, browser.ReasonFailed, req.Reason())
	assert.Equal(t, 1, req.Resolves())
}

type panickyRequest struct {
	*browsertest.Request
}

func (panickyRequest) URL() string { panic("detached target") }

func TestInterceptorRecoversFromRequestPanic(t *testing.T) {
	ic := newTestInterceptor(t, types.ModificationRules{}, &fakeFetcher{}, false)
	inner := browsertest.NewRequest(browsertest.RequestSpec{URL: "https://x.test/"})

	require.NotPanics(t, func() { ic.Handle(panickyRequest{inner}) })
	assert.Equal(t, browsertest.ActionAbort, inner.Action())
	assert.Equal(t, 1, inner.Resolves())
}

func TestOnceRequestResolvesOnce(t *testing.T) {
	inner := browsertest.NewRequest(browsertest.RequestSpec{URL: "https://x.test/"})
	r := &onceRequest{Request: inner}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				r.Continue()
			} else {
				r.Abort(browser.ReasonFailed)
			}
		}(i)
	}
	wg.Wait()
	r.Respond(browser.Response{Status: 200})

	assert.Equal(t, 1, inner.Resolves())
	assert.NotEqual(t, browsertest.ActionRespond, inner.Action())
}
