package engine

import (
	"sort"

	"gopkg.in/guregu/null.v3"

	"github.com/irisor/perf-tester/internal/types"
)

// Median is the order-statistic median of the valid values. Nulls are
// skipped entirely; no valid value yields null. values is not modified.
func Median(values []null.Float) null.Float {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if v.Valid {
			sorted = append(sorted, v.Float64)
		}
	}
	if len(sorted) == 0 {
		return null.Float{}
	}
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return null.FloatFrom(sorted[mid])
	}
	return null.FloatFrom((sorted[mid-1] + sorted[mid]) / 2)
}

// Aggregate computes the FCP and LCP medians column by column.
func Aggregate(runs []types.RunSample) types.Metrics {
	fcp := make([]null.Float, len(runs))
	lcp := make([]null.Float, len(runs))
	for i, r := range runs {
		fcp[i] = r.FCP
		lcp[i] = r.LCP
	}
	return types.Metrics{FCP: Median(fcp), LCP: Median(lcp)}
}
