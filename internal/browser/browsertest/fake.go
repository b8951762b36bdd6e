// Package browsertest provides in-memory doubles for the browser collaborator.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/irisor/perf-tester/internal/browser"
)

// Behavior scripts what a fake page does when navigated.
type Behavior struct {
	// Requests are replayed through the interception handler, in order, during Navigate.
	Requests []RequestSpec
	// OnLoad runs after the requests, before Navigate returns. Use it to invoke
	// exposed functions the way page scripts would.
	OnLoad func(p *Page)
	// Evaluate answers Page.Evaluate. Nil answers JSON null.
	Evaluate func(js string) ([]byte, error)
	// NavigateErr is returned from Navigate after the requests are replayed.
	NavigateErr error
	// Hang makes Navigate block until its context ends.
	Hang bool
	// Screenshot is returned from Page.Screenshot.
	Screenshot []byte
}

// RequestSpec describes a request the fake page issues.
type RequestSpec struct {
	URL        string
	Method     string
	Type       browser.ResourceType
	Navigation bool
	Headers    http.Header
}

// Launcher counts launches and hands out a single Browser.
type Launcher struct {
	Behavior Behavior
	Err      error

	mu       sync.Mutex
	launches int
	browsers []*Browser
}

func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.Err != nil {
		return nil, l.Err
	}
	b := &Browser{Behavior: l.Behavior}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Browsers returns every browser launched so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Browser tracks the pages it created and how many were open at once.
type Browser struct {
	Behavior   Behavior
	NewPageErr error

	mu      sync.Mutex
	pages   []*Page
	open    int
	maxOpen int
	closed  bool
}

func (b *Browser) NewPage(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := &Page{browser: b, behavior: b.Behavior, exposed: make(map[string]func([]byte))}
	b.pages = append(b.pages, p)
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	return p, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pages returns every page created so far.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// MaxOpen returns the highest number of simultaneously open pages.
func (b *Browser) MaxOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

// OpenPages returns the number of pages not yet closed.
func (b *Browser) OpenPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Page records every call made on it.
type Page struct {
	browser  *Browser
	behavior Behavior

	mu           sync.Mutex
	Viewport     *browser.Viewport
	UserAgent    string
	CacheEnabled *bool
	ExtraHeaders map[string]string
	Network      *browser.NetworkConditions
	CPURate      float64
	InitScripts  []string
	Navigations  []string
	Requests     []*Request
	Screenshots  int
	closed       bool

	handler browser.RequestHandler
	exposed map[string]func([]byte)
	// snapshot of the setup taken at the first Navigate
	interceptBeforeNav bool
	exposedBeforeNav   []string
}

func (p *Page) SetViewport(ctx context.Context, vp browser.Viewport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Viewport = &vp
	return nil
}

func (p *Page) SetUserAgent(ctx context.Context, ua string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UserAgent = ua
	return nil
}

func (p *Page) SetCacheEnabled(ctx context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CacheEnabled = &enabled
	return nil
}

func (p *Page) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExtraHeaders = headers
	return nil
}

func (p *Page) EmulateNetwork(ctx context.Context, cond browser.NetworkConditions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Network = &cond
	return nil
}

func (p *Page) EmulateCPU(ctx context.Context, rate float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CPURate = rate
	return nil
}

func (p *Page) Intercept(handler browser.RequestHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		return errors.New("interception already enabled")
	}
	p.handler = handler
	return nil
}

func (p *Page) ExposeFunction(name string, fn func(args []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exposed[name] = fn
	return nil
}

func (p *Page) AddInitScript(js string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitScripts = append(p.InitScripts, js)
	return nil
}

func (p *Page) Evaluate(ctx context.Context, js string) ([]byte, error) {
	if p.behavior.Evaluate == nil {
		return []byte("null"), nil
	}
	return p.behavior.Evaluate(js)
}

// Navigate replays the scripted requests through the interception handler,
// then runs OnLoad.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	handler := p.handler
	if len(p.Navigations) == 1 {
		p.interceptBeforeNav = handler != nil
		for name := range p.exposed {
			p.exposedBeforeNav = append(p.exposedBeforeNav, name)
		}
	}
	p.mu.Unlock()

	if p.behavior.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, rs := range p.behavior.Requests {
		req := newRequest(rs)
		p.mu.Lock()
		p.Requests = append(p.Requests, req)
		p.mu.Unlock()
		if handler == nil {
			req.Continue()
			continue
		}
		handler(req)
	}
	if p.behavior.NavigateErr != nil {
		return p.behavior.NavigateErr
	}
	if p.behavior.OnLoad != nil {
		p.behavior.OnLoad(p)
	}
	return ctx.Err()
}

func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Screenshots++
	return p.behavior.Screenshot, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.browser.mu.Lock()
	p.browser.open--
	p.browser.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Call invokes an exposed function the way page script would. It reports
// whether a function with that name was exposed.
func (p *Page) Call(name string, arg any) bool {
	p.mu.Lock()
	fn, ok := p.exposed[name]
	p.mu.Unlock()
	if !ok {
		return false
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return false
	}
	fn(raw)
	return true
}

// InterceptedBeforeNavigation reports whether interception was enabled before the first Navigate.
func (p *Page) InterceptedBeforeNavigation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interceptBeforeNav
}

// ExposedBeforeNavigation lists the functions exposed before the first Navigate.
func (p *Page) ExposedBeforeNavigation() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.exposedBeforeNav...)
}

// Action is how an intercepted request was resolved.
type Action string

const (
	ActionNone     Action = ""
	ActionAbort    Action = "abort"
	ActionRespond  Action = "respond"
	ActionContinue Action = "continue"
)

// Request is a fake intercepted request that records its resolution.
type Request struct {
	rs RequestSpec

	mu       sync.Mutex
	action   Action
	reason   browser.ErrorReason
	response browser.Response
	resolves int
}

func newRequest(rs RequestSpec) *Request {
	if rs.Method == "" {
		rs.Method = http.MethodGet
	}
	if rs.Type == "" {
		rs.Type = browser.ResourceOther
	}
	return &Request{rs: rs}
}

// NewRequest builds a standalone fake request for handler tests.
func NewRequest(rs RequestSpec) *Request { return newRequest(rs) }

func (r *Request) URL() string                        { return r.rs.URL }
func (r *Request) Method() string                     { return r.rs.Method }
func (r *Request) ResourceType() browser.ResourceType { return r.rs.Type }
func (r *Request) IsNavigation() bool                 { return r.rs.Navigation }

func (r *Request) Headers() http.Header {
	if r.rs.Headers == nil {
		return http.Header{}
	}
	return r.rs.Headers.Clone()
}

func (r *Request) Abort(reason browser.ErrorReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	r.action = ActionAbort
	r.reason = reason
}

func (r *Request) Respond(resp browser.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	r.action = ActionRespond
	r.response = resp
}

func (r *Request) Continue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolves++
	r.action = ActionContinue
}

// Action returns the last resolution.
func (r *Request) Action() Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.action
}

// Reason returns the abort reason, if aborted.
func (r *Request) Reason() browser.ErrorReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Response returns the fulfilled response, if responded.
func (r *Request) Response() browser.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Resolves returns how many times the request was resolved.
func (r *Request) Resolves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolves
}
