package aggregate

import (
	"context"
	"sort"
	"time"
)

const (
	// maxTrackedValues caps the distinct values collected per label.
	maxTrackedValues = 50

	// topNValues bounds the reported most common values per label.
	topNValues = 10

	// activeWindow is the lookback for the active-series count.
	activeWindow = time.Hour
)

// LabelCardinality describes one attribute key across a metric's series.
type LabelCardinality struct {
	Label       string   `json:"label"`
	Cardinality int      `json:"cardinality"`
	TopValues   []string `json:"top_values"`
	// Truncated is set when the distinct value set exceeded the tracking cap;
	// Cardinality is then a lower bound.
	Truncated bool `json:"truncated,omitempty"`
}

// MetricCardinality is the cardinality analysis for one metric name.
type MetricCardinality struct {
	Metric          string             `json:"metric"`
	SeriesCount     int                `json:"series_count"`
	ActiveSeries    int                `json:"active_series"`
	LabelDimensions int                `json:"label_dimensions"`
	Labels          []LabelCardinality `json:"labels"`
}

// Cardinality analyzes the series of one metric.
func (e *Engine) Cardinality(ctx context.Context, metric string) (*MetricCardinality, error) {
	series, err := e.store.Series(ctx, metric)
	if err != nil {
		return nil, err
	}

	activeCutoff := e.now().Add(-activeWindow).UnixNano()
	result := &MetricCardinality{Metric: metric, SeriesCount: len(series)}

	type valueCounts struct {
		counts    map[string]int
		truncated bool
	}
	labels := make(map[string]*valueCounts)

	for _, sm := range series {
		if sm.LastUpdateNs >= activeCutoff {
			result.ActiveSeries++
		}
		for _, key := range sm.Attributes.SortedKeys() {
			vc := labels[key]
			if vc == nil {
				vc = &valueCounts{counts: make(map[string]int)}
				labels[key] = vc
			}
			value := sm.Attributes.GetString(key)
			if _, seen := vc.counts[value]; !seen && len(vc.counts) >= maxTrackedValues {
				vc.truncated = true
				continue
			}
			vc.counts[value]++
		}
	}

	result.LabelDimensions = len(labels)
	for label, vc := range labels {
		values := make([]string, 0, len(vc.counts))
		for v := range vc.counts {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool {
			if vc.counts[values[i]] != vc.counts[values[j]] {
				return vc.counts[values[i]] > vc.counts[values[j]]
			}
			return values[i] < values[j]
		})
		if len(values) > topNValues {
			values = values[:topNValues]
		}
		result.Labels = append(result.Labels, LabelCardinality{
			Label:       label,
			Cardinality: len(vc.counts),
			TopValues:   values,
			Truncated:   vc.truncated,
		})
	}
	sort.Slice(result.Labels, func(i, j int) bool { return result.Labels[i].Label < result.Labels[j].Label })
	return result, nil
}
