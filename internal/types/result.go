package types

import (
	"gopkg.in/guregu/null.v3"
)

// DryRunSentinel is reported for both paint metrics of a dry run.
const DryRunSentinel = -1

// RunSample is the outcome of a single isolated page load, in milliseconds.
// An invalid value means the signal was not observed in time.
type RunSample struct {
	FCP null.Float `json:"FCP"`
	LCP null.Float `json:"LCP"`
}

// Metrics holds the per-column medians across runs.
type Metrics struct {
	FCP null.Float `json:"FCP"`
	LCP null.Float `json:"LCP"`
}

// AggregateResult is the terminal artifact of a test invocation.
type AggregateResult struct {
	Parameters     TestRequest `json:"parameters"`
	AverageMetrics Metrics     `json:"averageMetrics"`
	IndividualRuns []RunSample `json:"individualRuns"`
	Screenshot     string      `json:"screenshot"`
}

// DryRunResult builds the fixed response returned without touching a browser.
func DryRunResult(req TestRequest) *AggregateResult {
	sentinel := null.FloatFrom(DryRunSentinel)
	return &AggregateResult{
		Parameters:     req,
		AverageMetrics: Metrics{FCP: sentinel, LCP: sentinel},
		IndividualRuns: []RunSample{{FCP: sentinel, LCP: sentinel}},
	}
}

// ErrorResponse is the body returned with a non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
