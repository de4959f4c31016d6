package normalizer

import (
	"testing"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

var (
	testTraceID = []byte{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd, 0x84, 0x48, 0xeb, 0x21, 0x1c, 0x80, 0x31, 0x9c}
	testSpanID  = []byte{0xb7, 0xad, 0x6b, 0x71, 0x69, 0x20, 0x33, 0x31}
)

func fixedClock() func() time.Time {
	at := time.Unix(1_700_000_000, 0)
	return func() time.Time { return at }
}

func float64Ptr(v float64) *float64 { return &v }

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func serviceResource(name string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{stringAttr("service.name", name)}}
}

func protoSpan(name string, startNs, endNs uint64) *tracepb.Span {
	return &tracepb.Span{
		TraceId:           testTraceID,
		SpanId:            testSpanID,
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: startNs,
		EndTimeUnixNano:   endNs,
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
}

func TestTracesNormalization(t *testing.T) {
	n := New(fixedClock())

	batch := n.Traces([]*tracepb.ResourceSpans{{
		Resource: serviceResource("orders"),
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "otel-sdk", Version: "1.0"},
			Spans: []*tracepb.Span{protoSpan("GET /orders", 100, 200)},
		}},
	}})

	if batch.Rejected != 0 {
		t.Fatalf("rejected = %d, want 0", batch.Rejected)
	}
	if len(batch.Spans) != 1 {
		t.Fatalf("got %d spans", len(batch.Spans))
	}

	sp := batch.Spans[0]
	if sp.TraceID != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("trace id = %s", sp.TraceID)
	}
	if sp.SpanID != "b7ad6b7169203331" {
		t.Errorf("span id = %s", sp.SpanID)
	}
	if sp.Kind != "SERVER" || sp.Status.Code != "OK" {
		t.Errorf("kind/status = %s/%s", sp.Kind, sp.Status.Code)
	}
	if sp.ServiceName != "orders" {
		t.Errorf("service = %s", sp.ServiceName)
	}
	if sp.IngestTimeNs != time.Unix(1_700_000_000, 0).UnixNano() {
		t.Errorf("ingest time = %d", sp.IngestTimeNs)
	}
	if len(batch.Resources) != 1 || len(batch.Scopes) != 1 {
		t.Errorf("interning: %d resources, %d scopes", len(batch.Resources), len(batch.Scopes))
	}
	if sp.ResourceRef != batch.Resources[0].Ref || sp.ScopeRef != batch.Scopes[0].Ref {
		t.Error("span refs do not match interned entries")
	}
}

func TestTracesRejectsInvalidSpans(t *testing.T) {
	n := New(fixedClock())

	badTraceID := protoSpan("short-trace-id", 100, 200)
	badTraceID.TraceId = []byte{0x01, 0x02}

	zeroSpanID := protoSpan("zero-span-id", 100, 200)
	zeroSpanID.SpanId = make([]byte, 8)

	inverted := protoSpan("start-after-end", 300, 200)

	batch := n.Traces([]*tracepb.ResourceSpans{{
		Resource: serviceResource("orders"),
		ScopeSpans: []*tracepb.ScopeSpans{{
			Spans: []*tracepb.Span{badTraceID, zeroSpanID, inverted, protoSpan("ok", 100, 200)},
		}},
	}})

	if batch.Rejected != 3 {
		t.Errorf("rejected = %d, want 3", batch.Rejected)
	}
	if len(batch.Spans) != 1 || batch.Spans[0].Name != "ok" {
		t.Errorf("surviving spans: %+v", batch.Spans)
	}
}

func TestLogsNormalization(t *testing.T) {
	n := New(fixedClock())

	batch := n.Logs([]*logspb.ResourceLogs{{
		Resource: serviceResource("checkout"),
		ScopeLogs: []*logspb.ScopeLogs{{
			LogRecords: []*logspb.LogRecord{
				{
					TimeUnixNano:   123,
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_ERROR,
					Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "payment failed"}},
					TraceId:        testTraceID,
					SpanId:         testSpanID,
				},
				{
					// No timestamp: falls back to ingest time. No severity
					// text: derived from the number.
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
					Body:           &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "started"}},
				},
			},
		}},
	}})

	if batch.Rejected != 0 || len(batch.Logs) != 2 {
		t.Fatalf("rejected=%d logs=%d", batch.Rejected, len(batch.Logs))
	}

	first := batch.Logs[0]
	if first.SeverityText != "ERROR" || first.Body != "payment failed" {
		t.Errorf("first log: %+v", first)
	}
	if first.TraceID == "" || first.SpanID == "" {
		t.Error("correlation ids lost")
	}
	if first.LogID == "" || first.LogID == batch.Logs[1].LogID {
		t.Error("log ids must be unique and non-empty")
	}

	second := batch.Logs[1]
	if second.TimestampNs != time.Unix(1_700_000_000, 0).UnixNano() {
		t.Errorf("missing timestamp not defaulted: %d", second.TimestampNs)
	}
	if second.SeverityText != "INFO" {
		t.Errorf("severity text = %s", second.SeverityText)
	}
}

func TestLogsRejectsMalformedCorrelation(t *testing.T) {
	n := New(fixedClock())

	batch := n.Logs([]*logspb.ResourceLogs{{
		ScopeLogs: []*logspb.ScopeLogs{{
			LogRecords: []*logspb.LogRecord{{
				TimeUnixNano: 1,
				TraceId:      []byte{0x01},
				Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "x"}},
			}},
		}},
	}})

	if batch.Rejected != 1 || len(batch.Logs) != 0 {
		t.Errorf("rejected=%d logs=%d", batch.Rejected, len(batch.Logs))
	}
}

func gaugeMetric(name string, points ...*metricspb.NumberDataPoint) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: points}},
	}
}

func numberPoint(ts uint64, value float64, attrs ...*commonpb.KeyValue) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		TimeUnixNano: ts,
		Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: value},
		Attributes:   attrs,
	}
}

func TestMetricsNormalization(t *testing.T) {
	n := New(fixedClock())

	batch := n.Metrics([]*metricspb.ResourceMetrics{{
		Resource: serviceResource("orders"),
		ScopeMetrics: []*metricspb.ScopeMetrics{{
			Metrics: []*metricspb.Metric{
				gaugeMetric("queue_depth",
					numberPoint(100, 4, stringAttr("queue", "high")),
					numberPoint(200, 7, stringAttr("queue", "high")),
					numberPoint(100, 1, stringAttr("queue", "low")),
				),
				{
					Name: "request_duration",
					Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
						AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
						DataPoints: []*metricspb.HistogramDataPoint{{
							TimeUnixNano:   100,
							Count:          3,
							Sum:            float64Ptr(42),
							BucketCounts:   []uint64{1, 2},
							ExplicitBounds: []float64{10},
						}},
					}},
				},
			},
		}},
	}})

	if batch.Rejected != 0 {
		t.Fatalf("rejected = %d", batch.Rejected)
	}
	if len(batch.Metrics) != 2 {
		t.Fatalf("got %d metrics", len(batch.Metrics))
	}

	byName := map[string]*storage.MetricData{}
	for _, md := range batch.Metrics {
		byName[md.Meta.Name] = md
	}

	gauge := byName["queue_depth"]
	if gauge.Meta.Kind != models.MetricKindGauge {
		t.Errorf("gauge kind = %s", gauge.Meta.Kind)
	}
	if len(gauge.Series) != 2 {
		t.Fatalf("gauge series = %d, want 2", len(gauge.Series))
	}
	for _, sp := range gauge.Series {
		if sp.Meta.Attributes.GetString("queue") == "high" && len(sp.Points) != 2 {
			t.Errorf("high queue series has %d points", len(sp.Points))
		}
	}

	hist := byName["request_duration"]
	if hist.Meta.Kind != models.MetricKindHistogram || hist.Meta.Temporality != "cumulative" {
		t.Errorf("histogram meta = %+v", hist.Meta)
	}
	if len(hist.Series) != 1 || hist.Series[0].Points[0].Histogram == nil {
		t.Fatalf("histogram payload missing")
	}
	if hist.Series[0].Points[0].Histogram.Count != 3 {
		t.Errorf("histogram count = %d", hist.Series[0].Points[0].Histogram.Count)
	}
}

func TestMetricsRejectsInvalid(t *testing.T) {
	n := New(fixedClock())

	batch := n.Metrics([]*metricspb.ResourceMetrics{{
		ScopeMetrics: []*metricspb.ScopeMetrics{{
			Metrics: []*metricspb.Metric{
				gaugeMetric("", numberPoint(100, 1)),
				{Name: "no_payload"},
				gaugeMetric("no_timestamp", numberPoint(0, 1)),
			},
		}},
	}})

	if batch.Rejected != 3 {
		t.Errorf("rejected = %d, want 3", batch.Rejected)
	}
}

func TestMetricsSeriesFingerprintSeparatesResources(t *testing.T) {
	n := New(fixedClock())

	batch := n.Metrics([]*metricspb.ResourceMetrics{
		{
			Resource:     serviceResource("svc-a"),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{gaugeMetric("up", numberPoint(1, 1))}}},
		},
		{
			Resource:     serviceResource("svc-b"),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Metrics: []*metricspb.Metric{gaugeMetric("up", numberPoint(1, 1))}}},
		},
	})

	if len(batch.Metrics) != 1 {
		t.Fatalf("got %d metrics, want 1", len(batch.Metrics))
	}
	if len(batch.Metrics[0].Series) != 2 {
		t.Errorf("same attrs from different resources must form distinct series, got %d", len(batch.Metrics[0].Series))
	}
}
