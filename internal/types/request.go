// Package types holds the request and result shapes shared by the perf-tester
// engine, its HTTP surface and the CLI.
package types

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// =============================================================================
// TEST REQUEST
// =============================================================================

// Mode selects a throttling profile.
type Mode string

const (
	ModeCustom           Mode = "custom"
	ModePageSpeedMobile  Mode = "pagespeed-mobile"
	ModePageSpeedDesktop Mode = "pagespeed-desktop"
)

// Modes lists every accepted mode in display order.
var Modes = []Mode{ModeCustom, ModePageSpeedMobile, ModePageSpeedDesktop}

// Valid reports whether m names a known profile.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

const (
	// DefaultRuns is used when a request leaves runs unset.
	DefaultRuns = 3
	// MaxRuns caps a single invocation so the global deadline stays bounded.
	MaxRuns = 20
)

// ErrInvalidRequest is wrapped by every Validate failure.
var ErrInvalidRequest = errors.New("invalid test request")

// HTMLReplace is a single regex substitution applied to the navigation document.
type HTMLReplace struct {
	Find    string `json:"find" yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
}

// ModificationRules is the caller's declarative rule set. Patterns are untrusted.
type ModificationRules struct {
	Block       []string     `json:"block,omitempty" yaml:"block"`
	Defer       []string     `json:"defer,omitempty" yaml:"defer"`
	HTMLReplace *HTMLReplace `json:"html_replace,omitempty" yaml:"html_replace"`
}

// TestRequest describes one test invocation. It is not mutated after Normalize.
type TestRequest struct {
	URL          string            `json:"url"`
	Rules        ModificationRules `json:"rules"`
	Mode         Mode              `json:"mode"`
	Runs         int               `json:"runs"`
	DisableCache bool              `json:"disableCache"`
	DryRun       bool              `json:"dryRun"`
}

// Normalize returns a copy with defaults applied and rule fragments cleaned up.
// defaultRuns <= 0 falls back to DefaultRuns.
func (r TestRequest) Normalize(defaultRuns int) TestRequest {
	if defaultRuns <= 0 {
		defaultRuns = DefaultRuns
	}
	out := r
	out.URL = strings.TrimSpace(r.URL)
	if out.Mode == "" {
		out.Mode = ModeCustom
	}
	if out.Runs == 0 {
		out.Runs = defaultRuns
	}
	out.Rules = ModificationRules{
		Block: dedupe(r.Rules.Block),
		Defer: dedupe(r.Rules.Defer),
	}
	if r.Rules.HTMLReplace != nil && r.Rules.HTMLReplace.Find != "" {
		hr := *r.Rules.HTMLReplace
		out.Rules.HTMLReplace = &hr
	}
	return out
}

// Validate checks a normalized request. The url is only required outside dry runs.
func (r TestRequest) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if r.Runs < 1 || r.Runs > MaxRuns {
		return fmt.Errorf("%w: runs must be between 1 and %d, got %d", ErrInvalidRequest, MaxRuns, r.Runs)
	}
	if r.DryRun {
		return nil
	}
	if r.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	return nil
}

// dedupe drops blank fragments and repeats while keeping first-seen order.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
