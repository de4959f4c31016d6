package normalizer

import (
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// MetricBatch is the normalized form of one metric export request. Metrics
// are grouped by name; series by (resource, attributes) fingerprint.
type MetricBatch struct {
	Resources []*models.Resource
	Metrics   []*storage.MetricData

	Rejected     int
	DroppedAttrs int
}

// Metrics normalizes an OTLP metric payload. Unnamed metrics and data points
// without a timestamp are dropped and counted.
func (n *Normalizer) Metrics(resourceMetrics []*metricspb.ResourceMetrics) *MetricBatch {
	batch := &MetricBatch{}
	interns := newInternSet()

	byName := make(map[string]*storage.MetricData)
	seriesIndex := make(map[string]map[string]*storage.SeriesPoints)

	for _, rm := range resourceMetrics {
		res, dropped := interns.resource(rm.GetResource())
		batch.DroppedAttrs += dropped

		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				if m.GetName() == "" {
					batch.Rejected++
					continue
				}
				kind, temporality, ok := metricKind(m)
				if !ok {
					batch.Rejected++
					continue
				}

				md := byName[m.GetName()]
				if md == nil {
					md = &storage.MetricData{Meta: models.MetricMeta{
						Name:        m.GetName(),
						Kind:        kind,
						Unit:        m.GetUnit(),
						Description: m.GetDescription(),
						Temporality: temporality,
					}}
					byName[m.GetName()] = md
					seriesIndex[m.GetName()] = make(map[string]*storage.SeriesPoints)
				}

				n.metricPoints(m, kind, res, md, seriesIndex[m.GetName()], batch)
			}
		}
	}

	batch.Resources = interns.resourceList()
	for _, md := range byName {
		batch.Metrics = append(batch.Metrics, md)
	}
	return batch
}

func (n *Normalizer) metricPoints(m *metricspb.Metric, kind models.MetricKind, res *models.Resource, md *storage.MetricData, series map[string]*storage.SeriesPoints, batch *MetricBatch) {
	add := func(attrs models.Attributes, dp models.DataPoint, exemplars []*metricspb.Exemplar) {
		if dp.TimestampNs == 0 {
			batch.Rejected++
			return
		}
		dp.Exemplars = convertExemplars(exemplars)

		fp := models.SeriesFingerprint(res.Ref, attrs)
		sp := series[fp]
		if sp == nil {
			sp = &storage.SeriesPoints{Meta: models.SeriesMeta{
				MetricName:  md.Meta.Name,
				Fingerprint: fp,
				ResourceRef: res.Ref,
				Attributes:  attrs,
			}}
			series[fp] = sp
			md.Series = append(md.Series, sp)
		}
		if dp.TimestampNs > sp.Meta.LastUpdateNs {
			sp.Meta.LastUpdateNs = dp.TimestampNs
		}
		sp.Points = append(sp.Points, dp)
	}

	switch kind {
	case models.MetricKindGauge:
		for _, p := range m.GetGauge().GetDataPoints() {
			attrs, d := models.AttributesFromProto(p.GetAttributes())
			batch.DroppedAttrs += d
			v := numberValue(p)
			add(attrs, models.DataPoint{TimestampNs: int64(p.GetTimeUnixNano()), Value: &v}, p.GetExemplars())
		}
	case models.MetricKindSum:
		for _, p := range m.GetSum().GetDataPoints() {
			attrs, d := models.AttributesFromProto(p.GetAttributes())
			batch.DroppedAttrs += d
			v := numberValue(p)
			add(attrs, models.DataPoint{TimestampNs: int64(p.GetTimeUnixNano()), Value: &v}, p.GetExemplars())
		}
	case models.MetricKindHistogram:
		for _, p := range m.GetHistogram().GetDataPoints() {
			attrs, d := models.AttributesFromProto(p.GetAttributes())
			batch.DroppedAttrs += d
			add(attrs, models.DataPoint{
				TimestampNs: int64(p.GetTimeUnixNano()),
				Histogram: &models.HistogramData{
					Count:          p.GetCount(),
					Sum:            p.GetSum(),
					BucketCounts:   p.GetBucketCounts(),
					ExplicitBounds: p.GetExplicitBounds(),
				},
			}, p.GetExemplars())
		}
	case models.MetricKindExponentialHistogram:
		for _, p := range m.GetExponentialHistogram().GetDataPoints() {
			attrs, d := models.AttributesFromProto(p.GetAttributes())
			batch.DroppedAttrs += d
			add(attrs, models.DataPoint{
				TimestampNs: int64(p.GetTimeUnixNano()),
				ExpHistogram: &models.ExpHistogramData{
					Count:     p.GetCount(),
					Sum:       p.GetSum(),
					Scale:     p.GetScale(),
					ZeroCount: p.GetZeroCount(),
					Positive: models.ExpBuckets{
						Offset:       p.GetPositive().GetOffset(),
						BucketCounts: p.GetPositive().GetBucketCounts(),
					},
					Negative: models.ExpBuckets{
						Offset:       p.GetNegative().GetOffset(),
						BucketCounts: p.GetNegative().GetBucketCounts(),
					},
				},
			}, p.GetExemplars())
		}
	case models.MetricKindSummary:
		for _, p := range m.GetSummary().GetDataPoints() {
			attrs, d := models.AttributesFromProto(p.GetAttributes())
			batch.DroppedAttrs += d
			quantiles := make([]models.Quantile, 0, len(p.GetQuantileValues()))
			for _, q := range p.GetQuantileValues() {
				quantiles = append(quantiles, models.Quantile{Quantile: q.GetQuantile(), Value: q.GetValue()})
			}
			add(attrs, models.DataPoint{
				TimestampNs: int64(p.GetTimeUnixNano()),
				Summary: &models.SummaryData{
					Count:     p.GetCount(),
					Sum:       p.GetSum(),
					Quantiles: quantiles,
				},
			}, nil)
		}
	}
}

func metricKind(m *metricspb.Metric) (models.MetricKind, string, bool) {
	switch {
	case m.GetGauge() != nil:
		return models.MetricKindGauge, "", true
	case m.GetSum() != nil:
		return models.MetricKindSum, temporalityName(m.GetSum().GetAggregationTemporality()), true
	case m.GetHistogram() != nil:
		return models.MetricKindHistogram, temporalityName(m.GetHistogram().GetAggregationTemporality()), true
	case m.GetExponentialHistogram() != nil:
		return models.MetricKindExponentialHistogram, temporalityName(m.GetExponentialHistogram().GetAggregationTemporality()), true
	case m.GetSummary() != nil:
		return models.MetricKindSummary, "", true
	default:
		return "", "", false
	}
}

func temporalityName(t metricspb.AggregationTemporality) string {
	switch t {
	case metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA:
		return "delta"
	case metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE:
		return "cumulative"
	default:
		return ""
	}
}

func numberValue(p *metricspb.NumberDataPoint) float64 {
	switch v := p.GetValue().(type) {
	case *metricspb.NumberDataPoint_AsDouble:
		return v.AsDouble
	case *metricspb.NumberDataPoint_AsInt:
		return float64(v.AsInt)
	default:
		return 0
	}
}

func convertExemplars(in []*metricspb.Exemplar) []models.Exemplar {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Exemplar, 0, len(in))
	for _, ex := range in {
		var value float64
		switch v := ex.GetValue().(type) {
		case *metricspb.Exemplar_AsDouble:
			value = v.AsDouble
		case *metricspb.Exemplar_AsInt:
			value = float64(v.AsInt)
		}
		traceID, _ := optionalHexID(ex.GetTraceId(), traceIDLen)
		spanID, _ := optionalHexID(ex.GetSpanId(), spanIDLen)
		attrs, _ := models.AttributesFromProto(ex.GetFilteredAttributes())
		out = append(out, models.Exemplar{
			TimestampNs:        int64(ex.GetTimeUnixNano()),
			Value:              value,
			TraceID:            traceID,
			SpanID:             spanID,
			FilteredAttributes: attrs,
		})
	}
	return out
}
