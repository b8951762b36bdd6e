// Package rules decides, per intercepted request, whether to block it, rewrite
// the navigation document or let it through, and performs the HTML rewrites.
package rules

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dlclark/regexp2"

	"github.com/irisor/perf-tester/internal/browser"
	"github.com/irisor/perf-tester/internal/types"
)

// ErrMalformedRule is returned by Compile for a pattern that does not compile.
var ErrMalformedRule = errors.New("malformed rule")

// DefaultMatchTimeout bounds a single regex evaluation over a document.
const DefaultMatchTimeout = 2 * time.Second

// Action is the decision taken for one request.
type Action int

const (
	ActionContinue Action = iota
	ActionAbort
	ActionRewrite
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionRewrite:
		return "rewrite"
	default:
		return "continue"
	}
}

// RequestInfo is what the rule engine looks at.
type RequestInfo struct {
	URL          string
	ResourceType browser.ResourceType
	IsNavigation bool
}

// Set is a compiled, immutable rule set. It is safe for concurrent use.
type Set struct {
	block       []string
	deferRules  []*regexp2.Regexp
	replace     *regexp2.Regexp
	replacement string
}

// deferAttr detects an existing defer attribute among a tag's other attributes.
var deferAttr = regexp2.MustCompile(`(^|\s)defer(\s|=|/|$)`, regexp2.IgnoreCase)

// Compile validates and compiles rules. The find pattern uses ECMAScript
// syntax; a pattern that does not compile yields ErrMalformedRule.
func Compile(r types.ModificationRules, matchTimeout time.Duration) (*Set, error) {
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	s := &Set{block: append([]string(nil), r.Block...)}
	for _, frag := range r.Defer {
		if frag == "" {
			continue
		}
		re, err := regexp2.Compile(deferPattern(frag), regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("%w: defer %q: %v", ErrMalformedRule, frag, err)
		}
		re.MatchTimeout = matchTimeout
		s.deferRules = append(s.deferRules, re)
	}
	if hr := r.HTMLReplace; hr != nil && hr.Find != "" {
		re, err := regexp2.Compile(hr.Find, regexp2.ECMAScript)
		if err != nil {
			return nil, fmt.Errorf("%w: html_replace.find %q: %v", ErrMalformedRule, hr.Find, err)
		}
		re.MatchTimeout = matchTimeout
		s.replace = re
		s.replacement = hr.Replace
	}
	return s, nil
}

// deferPattern matches an opening script tag whose src attribute contains
// frag. src must follow whitespace so data-src and similar names never match.
// Groups: 1 attributes before src, 2 quote, 3 src value, 4 attributes after src.
func deferPattern(frag string) string {
	return `<script\b([^>]*?)\s+src\s*=\s*(["'])([^"'>]*` + regexp2.Escape(frag) + `[^"'>]*)\2([^>]*)>`
}

// HasRewrites reports whether any rule changes the document body.
func (s *Set) HasRewrites() bool {
	return len(s.deferRules) > 0 || s.replace != nil
}

// Decide picks the action for one request. Blocking is case-sensitive
// substring containment; any matching fragment aborts.
func (s *Set) Decide(req RequestInfo) Action {
	for _, frag := range s.block {
		if strings.Contains(req.URL, frag) {
			return ActionAbort
		}
	}
	if req.ResourceType == browser.ResourceDocument && req.IsNavigation && s.HasRewrites() {
		return ActionRewrite
	}
	return ActionContinue
}

// RewriteStats counts what Rewrite changed.
type RewriteStats struct {
	Deferred int
	Replaced int
}

// Changed reports whether the body differs from the input.
func (st RewriteStats) Changed() bool { return st.Deferred > 0 || st.Replaced > 0 }

// Rewrite applies every defer rule, then the replace rule, to body.
func (s *Set) Rewrite(body string) (string, RewriteStats, error) {
	var st RewriteStats
	out := body
	for _, re := range s.deferRules {
		var err error
		out, err = re.ReplaceFunc(out, func(m regexp2.Match) string {
			tag := m.String()
			others := m.GroupByNumber(1).String() + " " + m.GroupByNumber(4).String()
			if ok, _ := deferAttr.MatchString(others); ok {
				return tag
			}
			st.Deferred++
			return injectDefer(tag)
		}, -1, -1)
		if err != nil {
			return body, RewriteStats{}, fmt.Errorf("apply defer rule: %w", err)
		}
	}
	if s.replace != nil {
		var err error
		out, err = s.replace.ReplaceFunc(out, func(regexp2.Match) string {
			st.Replaced++
			return s.replacement
		}, -1, -1)
		if err != nil {
			return body, RewriteStats{}, fmt.Errorf("apply html_replace rule: %w", err)
		}
	}
	return out, st, nil
}

// injectDefer adds a trailing defer attribute before the tag's closing bracket.
func injectDefer(tag string) string {
	head := strings.TrimSuffix(tag, ">")
	if strings.HasSuffix(head, "/") {
		return strings.TrimRight(strings.TrimSuffix(head, "/"), " ") + " defer />"
	}
	return strings.TrimRight(head, " ") + " defer>"
}

// IsHTML reports whether headers describe an HTML document.
func IsHTML(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/html")
}

// CountDeferred counts script elements carrying a defer attribute.
func CountDeferred(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	return doc.Find("script[defer]").Length()
}
