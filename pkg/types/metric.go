package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Metric names a SweepRecord field that results can be ranked by
type Metric string

const (
	MetricTotalReturnPercent Metric = "total_return_percent"
	MetricTotalReturn        Metric = "total_return"
	MetricFinalCash          Metric = "final_cash"
)

// ValidMetrics lists the rankable metrics in their documented order.
var ValidMetrics = []Metric{MetricTotalReturnPercent, MetricTotalReturn, MetricFinalCash}

// ParseMetric resolves a metric name; an empty name selects total_return_percent.
func ParseMetric(name string) (Metric, error) {
	if name == "" {
		return MetricTotalReturnPercent, nil
	}
	for _, m := range ValidMetrics {
		if string(m) == name {
			return m, nil
		}
	}
	names := make([]string, len(ValidMetrics))
	for i, m := range ValidMetrics {
		names[i] = string(m)
	}
	return "", fmt.Errorf("metric must be one of [%s]", strings.Join(names, ", "))
}

// Value extracts the metric from a record.
func (m Metric) Value(r *SweepRecord) decimal.Decimal {
	switch m {
	case MetricTotalReturn:
		return r.TotalReturn
	case MetricFinalCash:
		return r.FinalCash
	default:
		return r.TotalReturnPercent
	}
}

// Best returns the record with the highest metric value. Ties keep the
// earliest record. Returns nil for an empty slice.
func (m Metric) Best(records []SweepRecord) *SweepRecord {
	var best *SweepRecord
	for i := range records {
		if best == nil || m.Value(&records[i]).GreaterThan(m.Value(best)) {
			best = &records[i]
		}
	}
	return best
}
