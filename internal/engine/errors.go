package engine

import (
	"errors"
)

var (
	// ErrValidation wraps every rejected TestRequest. No browser is launched.
	ErrValidation = errors.New("invalid test request")
	// ErrLaunch means the browser could not be started or connected to.
	ErrLaunch = errors.New("browser launch failed")
	// ErrNavigationTimeout means a single page load exceeded its deadline.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrGlobalTimeout means the whole invocation exceeded runs x run budget.
	ErrGlobalTimeout = errors.New("test exceeded its global deadline")
)

// Error kinds returned by Kind.
const (
	KindValidation        = "validation"
	KindLaunch            = "launch"
	KindNavigationTimeout = "navigation_timeout"
	KindGlobalTimeout     = "global_timeout"
	KindInternal          = "internal"
)

// Kind classifies err for logs, metric labels and transport status codes.
// A global timeout wins over the per-run error it interrupted.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrGlobalTimeout):
		return KindGlobalTimeout
	case errors.Is(err, ErrNavigationTimeout):
		return KindNavigationTimeout
	case errors.Is(err, ErrLaunch):
		return KindLaunch
	default:
		return KindInternal
	}
}
