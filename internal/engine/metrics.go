package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/irisor/perf-tester/internal/rules"
)

var (
	metricTests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perftest",
		Name:      "tests_total",
		Help:      "Test invocations by outcome (ok, dry_run or an error kind).",
	}, []string{"outcome"})
	metricTestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "perftest",
		Name:      "test_duration_seconds",
		Help:      "Wall time of non dry-run test invocations.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
	metricPaint = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "perftest",
		Name:      "paint_milliseconds",
		Help:      "Observed paint timings per run.",
		Buckets:   prometheus.ExponentialBuckets(50, 2, 10),
	}, []string{"metric", "mode"})
	metricPaintMissing = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perftest",
		Name:      "paint_missing_total",
		Help:      "Runs in which a paint signal was not observed in time.",
	}, []string{"metric"})
	metricIntercepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perftest",
		Name:      "intercepted_requests_total",
		Help:      "Intercepted requests by resolution.",
	}, []string{"action"})
	metricInterceptionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perftest",
		Name:      "interception_errors_total",
		Help:      "Intercepted requests aborted because fetching or rewriting failed.",
	})
)

func recordOutcome(outcome string) {
	metricTests.WithLabelValues(outcome).Inc()
}

func recordInterception(st rules.Stats) {
	metricIntercepted.WithLabelValues("blocked").Add(float64(st.Blocked))
	metricIntercepted.WithLabelValues("rewritten").Add(float64(st.Rewritten))
	metricIntercepted.WithLabelValues("passthrough").Add(float64(st.PassThrough))
	metricIntercepted.WithLabelValues("continued").Add(float64(st.Continued))
	if st.Failed > 0 {
		metricInterceptionErrors.Add(float64(st.Failed))
	}
}
