// Package browser is the controllable-browser collaborator used by the test
// engine. The engine only sees the interfaces below; rod.go backs them with a
// real Chrome driven over CDP.
package browser

import (
	"context"
	"net/http"
)

// ResourceType mirrors the CDP Network.ResourceType values the engine cares about.
type ResourceType string

const (
	ResourceDocument ResourceType = "Document"
	ResourceScript   ResourceType = "Script"
	ResourceImage    ResourceType = "Image"
	ResourceOther    ResourceType = "Other"
)

// ErrorReason is the network error reported to the page for an aborted request.
type ErrorReason string

const (
	ReasonBlockedByClient ErrorReason = "BlockedByClient"
	ReasonFailed          ErrorReason = "Failed"
)

// Viewport is the emulated device screen.
type Viewport struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Mobile            bool
}

// NetworkConditions throttles the page's network. Throughput is bytes per second.
type NetworkConditions struct {
	LatencyMs          float64
	DownloadThroughput float64
	UploadThroughput   float64
}

// Response is a synthetic response fulfilled in place of the network.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Request is one intercepted network request. Exactly one of Abort, Respond
// or Continue must be called before the handler returns.
type Request interface {
	URL() string
	Method() string
	Headers() http.Header
	ResourceType() ResourceType
	IsNavigation() bool

	Abort(reason ErrorReason)
	Respond(resp Response)
	Continue()
}

// RequestHandler resolves intercepted requests. It may be called concurrently.
type RequestHandler func(Request)

// Page is one isolated browsing context. It is owned by a single caller and
// must be closed by it.
type Page interface {
	SetViewport(ctx context.Context, vp Viewport) error
	SetUserAgent(ctx context.Context, ua string) error
	SetCacheEnabled(ctx context.Context, enabled bool) error
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	EmulateNetwork(ctx context.Context, cond NetworkConditions) error
	EmulateCPU(ctx context.Context, rate float64) error

	// Intercept routes every subsequent request through handler.
	Intercept(handler RequestHandler) error
	// ExposeFunction makes window[name](arg) call fn with arg JSON encoded.
	// It survives navigations.
	ExposeFunction(name string, fn func(args []byte)) error
	// AddInitScript runs js in every new document before any page script.
	AddInitScript(js string) error
	// Evaluate runs a function expression and returns its JSON encoded result.
	Evaluate(ctx context.Context, js string) ([]byte, error)

	// Navigate loads url and returns once the load event fired.
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Close() error
}

// Browser is one running browser process or connection.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Launcher obtains a Browser. Implementations differ only in how the binary
// is located or connected to.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}
