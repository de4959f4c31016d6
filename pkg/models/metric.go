package models

import "math"

// MetricKind identifies which OTLP payload a metric carries. A metric's kind
// is immutable for the lifetime of its name within the retention window.
type MetricKind string

const (
	MetricKindGauge                MetricKind = "Gauge"
	MetricKindSum                  MetricKind = "Sum"
	MetricKindHistogram            MetricKind = "Histogram"
	MetricKindSummary              MetricKind = "Summary"
	MetricKindExponentialHistogram MetricKind = "ExponentialHistogram"
)

// MetricMeta is the catalog entry for a metric name.
type MetricMeta struct {
	Name        string     `msgpack:"name" json:"name"`
	Kind        MetricKind `msgpack:"kind" json:"kind"`
	Unit        string     `msgpack:"unit,omitempty" json:"unit,omitempty"`
	Description string     `msgpack:"description,omitempty" json:"description,omitempty"`
	Temporality string     `msgpack:"temporality,omitempty" json:"temporality,omitempty"`
}

// SeriesMeta identifies one data-point sequence of a metric by the tuple
// (resource_ref, attributes fingerprint).
type SeriesMeta struct {
	MetricName   string     `msgpack:"metric_name" json:"metric_name"`
	Fingerprint  string     `msgpack:"fingerprint" json:"fingerprint"`
	ResourceRef  string     `msgpack:"resource_ref" json:"resource_ref"`
	Attributes   Attributes `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
	LastUpdateNs int64      `msgpack:"last_update_ns" json:"last_update_ns"`
}

// HistogramData is the explicit-bound histogram payload. BucketCounts has
// len(ExplicitBounds)+1 entries; the last bucket is +Inf.
type HistogramData struct {
	Count          uint64    `msgpack:"count" json:"count"`
	Sum            float64   `msgpack:"sum" json:"sum"`
	BucketCounts   []uint64  `msgpack:"bucket_counts" json:"bucket_counts"`
	ExplicitBounds []float64 `msgpack:"explicit_bounds" json:"explicit_bounds"`
}

// ExpBuckets is one side of an exponential histogram.
type ExpBuckets struct {
	Offset       int32    `msgpack:"offset" json:"offset"`
	BucketCounts []uint64 `msgpack:"bucket_counts" json:"bucket_counts"`
}

// ExpHistogramData keeps the native exponential bucket layout. Conversion to
// explicit bounds happens only at query time.
type ExpHistogramData struct {
	Count     uint64     `msgpack:"count" json:"count"`
	Sum       float64    `msgpack:"sum" json:"sum"`
	Scale     int32      `msgpack:"scale" json:"scale"`
	ZeroCount uint64     `msgpack:"zero_count" json:"zero_count"`
	Positive  ExpBuckets `msgpack:"positive" json:"positive"`
	Negative  ExpBuckets `msgpack:"negative" json:"negative"`
}

// ToExplicit converts the positive buckets to an explicit-bound histogram.
// Bucket i covers (base^(offset+i), base^(offset+i+1)] with base = 2^(2^-scale).
func (e *ExpHistogramData) ToExplicit() *HistogramData {
	base := math.Pow(2, math.Pow(2, -float64(e.Scale)))

	bounds := make([]float64, 0, len(e.Positive.BucketCounts)+1)
	counts := make([]uint64, 0, len(e.Positive.BucketCounts)+2)

	// Zero observations land below the first positive bucket's lower edge.
	bounds = append(bounds, math.Pow(base, float64(e.Positive.Offset)))
	counts = append(counts, e.ZeroCount)
	for i, c := range e.Positive.BucketCounts {
		upper := math.Pow(base, float64(e.Positive.Offset)+float64(i)+1)
		bounds = append(bounds, upper)
		counts = append(counts, c)
	}
	// Trailing +Inf bucket is always empty for converted data.
	counts = append(counts, 0)

	return &HistogramData{
		Count:          e.Count,
		Sum:            e.Sum,
		BucketCounts:   counts,
		ExplicitBounds: bounds,
	}
}

// Quantile is one summary quantile value.
type Quantile struct {
	Quantile float64 `msgpack:"quantile" json:"quantile"`
	Value    float64 `msgpack:"value" json:"value"`
}

// SummaryData is the summary payload.
type SummaryData struct {
	Count     uint64     `msgpack:"count" json:"count"`
	Sum       float64    `msgpack:"sum" json:"sum"`
	Quantiles []Quantile `msgpack:"quantiles,omitempty" json:"quantiles,omitempty"`
}

// Exemplar references a sampled trace/span from a metric data point.
type Exemplar struct {
	TimestampNs        int64      `msgpack:"timestamp_ns" json:"timestamp_ns"`
	Value              float64    `msgpack:"value" json:"value"`
	TraceID            string     `msgpack:"trace_id,omitempty" json:"trace_id,omitempty"`
	SpanID             string     `msgpack:"span_id,omitempty" json:"span_id,omitempty"`
	FilteredAttributes Attributes `msgpack:"filtered_attributes,omitempty" json:"filtered_attributes,omitempty"`
}

// DataPoint carries one observation of a series. Exactly one of Value,
// Histogram, ExpHistogram, Summary is set, matching the metric kind.
type DataPoint struct {
	TimestampNs  int64             `msgpack:"timestamp_ns" json:"timestamp_ns"`
	Value        *float64          `msgpack:"value,omitempty" json:"value,omitempty"`
	Histogram    *HistogramData    `msgpack:"histogram,omitempty" json:"histogram,omitempty"`
	ExpHistogram *ExpHistogramData `msgpack:"exp_histogram,omitempty" json:"exp_histogram,omitempty"`
	Summary      *SummaryData      `msgpack:"summary,omitempty" json:"summary,omitempty"`
	Exemplars    []Exemplar        `msgpack:"exemplars,omitempty" json:"exemplars,omitempty"`
}
