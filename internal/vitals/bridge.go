// Package vitals carries paint timings from inside the page back to the host.
//
// FCP is pushed: an init script reports the first first-contentful-paint
// entry through an exposed host function, and the host waits for it with a
// deadline. LCP is pulled: the init script appends every
// largest-contentful-paint candidate to an in-page log, and the host reads
// the last entry once, after the page settled.
package vitals

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"

	"github.com/irisor/perf-tester/internal/browser"
)

const (
	// BindingName is the host function the page calls with the FCP time in ms.
	BindingName = "__perftestReportFCP"
	// LCPLogName is the in-page array of LCP candidate times in ms.
	LCPLogName = "__perftestLCP"

	DefaultFCPTimeout = 30 * time.Second
)

// installScript runs before any page script in every new document. The guard
// flag keeps a second evaluation in the same document from adding observers.
var installScript = fmt.Sprintf(`(() => {
  if (window.__perftestObservers) return;
  window.__perftestObservers = true;
  window[%[2]q] = [];
  let fcpSent = false;
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        if (entry.name !== 'first-contentful-paint' || fcpSent) continue;
        fcpSent = true;
        const report = window[%[1]q];
        if (typeof report === 'function') report(entry.startTime);
      }
    }).observe({ type: 'paint', buffered: true });
  } catch (e) {}
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        window[%[2]q].push(entry.renderTime || entry.loadTime || entry.startTime);
      }
    }).observe({ type: 'largest-contentful-paint', buffered: true });
  } catch (e) {}
})();`, BindingName, LCPLogName)

// lastLCPScript returns the last LCP candidate or null.
var lastLCPScript = fmt.Sprintf(`() => {
  const log = window[%q];
  return Array.isArray(log) && log.length > 0 ? log[log.length - 1] : null;
}`, LCPLogName)

// Bridge is the host side of one page's instrumentation. It is bound to the
// page it was installed on and must not be reused.
type Bridge struct {
	page     browser.Page
	logger   *zap.Logger
	deadline time.Time

	fcp  chan float64
	once sync.Once
}

// Install exposes the FCP callback and registers the observers on page. It
// must be called before the page navigates. The FCP deadline starts now.
func Install(page browser.Page, fcpTimeout time.Duration, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fcpTimeout <= 0 {
		fcpTimeout = DefaultFCPTimeout
	}
	b := &Bridge{
		page:     page,
		logger:   logger,
		deadline: time.Now().Add(fcpTimeout),
		fcp:      make(chan float64, 1),
	}
	if err := page.ExposeFunction(BindingName, b.reportFCP); err != nil {
		return nil, fmt.Errorf("expose fcp callback: %w", err)
	}
	if err := page.AddInitScript(installScript); err != nil {
		return nil, fmt.Errorf("install observers: %w", err)
	}
	return b, nil
}

func (b *Bridge) reportFCP(raw []byte) {
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil || ms < 0 {
		b.logger.Warn("ignoring malformed fcp report", zap.ByteString("payload", raw))
		return
	}
	b.once.Do(func() {
		b.fcp <- ms
	})
}

// WaitFCP returns the reported FCP, or null when the deadline set at Install
// passes or ctx ends first.
func (b *Bridge) WaitFCP(ctx context.Context) null.Float {
	select {
	case ms := <-b.fcp:
		return null.FloatFrom(ms)
	default:
	}
	timer := time.NewTimer(time.Until(b.deadline))
	defer timer.Stop()
	select {
	case ms := <-b.fcp:
		return null.FloatFrom(ms)
	case <-timer.C:
		b.logger.Debug("fcp not reported before deadline")
		return null.Float{}
	case <-ctx.Done():
		return null.Float{}
	}
}

// CollectLCP reads the last LCP candidate once. An empty log is null.
func (b *Bridge) CollectLCP(ctx context.Context) (null.Float, error) {
	raw, err := b.page.Evaluate(ctx, lastLCPScript)
	if err != nil {
		return null.Float{}, fmt.Errorf("read lcp log: %w", err)
	}
	var ms *float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return null.Float{}, fmt.Errorf("decode lcp %q: %w", raw, err)
	}
	if ms == nil || *ms < 0 {
		return null.Float{}, nil
	}
	return null.FloatFrom(*ms), nil
}
