package aggregate

import (
	"context"
	"sort"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// spanMetricsName is the duration histogram emitted by the spanmetrics
// connector. When present for a service, percentiles come from its buckets
// instead of raw span samples.
const spanMetricsName = "traces.span.metrics.duration"

// ServiceEntry is one service's row in the catalog.
type ServiceEntry struct {
	Service     string  `json:"service"`
	SpanCount   int     `json:"span_count"`
	TraceCount  int     `json:"trace_count"`
	FirstSeenNs int64   `json:"first_seen_ns"`
	LastSeenNs  int64   `json:"last_seen_ns"`
	Rate        float64 `json:"rate"`
	ErrorRate   float64 `json:"error_rate"`
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
	P99Ms       float64 `json:"p99_ms"`
}

// ServiceCatalog returns the per-service RED view, sorted by service name.
func (e *Engine) ServiceCatalog(ctx context.Context) ([]*ServiceEntry, error) {
	return e.catalogCache.get(e.now(), func() ([]*ServiceEntry, error) {
		return e.buildCatalog(ctx)
	})
}

func (e *Engine) buildCatalog(ctx context.Context) ([]*ServiceEntry, error) {
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*ServiceEntry, 0, len(services))
	for _, service := range services {
		if service == e.selfService {
			continue
		}
		spans, err := e.store.RecentSpans(ctx, service, spanScanLimit)
		if err != nil {
			return nil, err
		}
		if len(spans) == 0 {
			continue
		}
		entries = append(entries, e.serviceEntry(ctx, service, spans))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Service < entries[j].Service })
	return entries, nil
}

func (e *Engine) serviceEntry(ctx context.Context, service string, spans []*models.Span) *ServiceEntry {
	entry := &ServiceEntry{
		Service:     service,
		SpanCount:   len(spans),
		FirstSeenNs: spans[0].StartTimeNs,
		LastSeenNs:  spans[0].StartTimeNs,
	}

	traces := make(map[string]struct{})
	errorSpans := 0
	durationsMs := make([]float64, 0, len(spans))
	for _, sp := range spans {
		traces[sp.TraceID] = struct{}{}
		if sp.Status.Code == "ERROR" {
			errorSpans++
		}
		if sp.StartTimeNs < entry.FirstSeenNs {
			entry.FirstSeenNs = sp.StartTimeNs
		}
		if sp.StartTimeNs > entry.LastSeenNs {
			entry.LastSeenNs = sp.StartTimeNs
		}
		durationsMs = append(durationsMs, float64(sp.DurationNs())/1e6)
	}
	entry.TraceCount = len(traces)
	entry.ErrorRate = 100 * float64(errorSpans) / float64(len(spans))

	windowSec := float64(e.now().UnixNano()-entry.FirstSeenNs) / 1e9
	if windowSec < 1 {
		windowSec = 1
	}
	entry.Rate = float64(len(spans)) / windowSec

	if hist := e.spanMetricsHistogram(ctx, service); hist != nil {
		entry.P50Ms = histogramPercentile(hist, 0.50)
		entry.P95Ms = histogramPercentile(hist, 0.95)
		entry.P99Ms = histogramPercentile(hist, 0.99)
	} else {
		sort.Float64s(durationsMs)
		entry.P50Ms = samplePercentile(durationsMs, 0.50)
		entry.P95Ms = samplePercentile(durationsMs, 0.95)
		entry.P99Ms = samplePercentile(durationsMs, 0.99)
	}
	return entry
}

// spanMetricsHistogram returns the latest spanmetrics duration histogram for
// a service, or nil when none is stored.
func (e *Engine) spanMetricsHistogram(ctx context.Context, service string) *models.HistogramData {
	series, err := e.store.Series(ctx, spanMetricsName)
	if err != nil || len(series) == 0 {
		return nil
	}

	nowNs := e.now().UnixNano()
	for _, sm := range series {
		if sm.Attributes.GetString("service.name") != service {
			continue
		}
		points, err := e.store.Points(ctx, spanMetricsName, sm.Fingerprint, 0, nowNs)
		if err != nil || len(points) == 0 {
			continue
		}
		last := points[len(points)-1]
		switch {
		case last.Histogram != nil:
			return last.Histogram
		case last.ExpHistogram != nil:
			return last.ExpHistogram.ToExplicit()
		}
	}
	return nil
}

// histogramPercentile interpolates linearly within the bucket where the
// cumulative count crosses the target rank. Bounds are in milliseconds, the
// spanmetrics default.
func histogramPercentile(h *models.HistogramData, q float64) float64 {
	if h.Count == 0 || len(h.BucketCounts) == 0 {
		return 0
	}

	target := q * float64(h.Count)
	cumulative := 0.0
	for i, c := range h.BucketCounts {
		prev := cumulative
		cumulative += float64(c)
		if cumulative < target || c == 0 {
			continue
		}

		lower := 0.0
		if i > 0 {
			lower = h.ExplicitBounds[i-1]
		}
		if i >= len(h.ExplicitBounds) {
			// +Inf bucket: the last finite bound is the best estimate.
			return lower
		}
		upper := h.ExplicitBounds[i]
		return lower + (upper-lower)*(target-prev)/float64(c)
	}
	if len(h.ExplicitBounds) > 0 {
		return h.ExplicitBounds[len(h.ExplicitBounds)-1]
	}
	return 0
}

// samplePercentile interpolates at rank over a sorted sample.
func samplePercentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	rank := q * float64(n-1)
	lo := int(rank)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}
