package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

func newTestStore(t *testing.T, mutate func(*Config)) (*Store, *time.Time) {
	t.Helper()

	current := time.Unix(1_700_000_000, 0)
	cfg := Config{
		Retention:            30 * time.Minute,
		MaxMetricCardinality: 3,
		MaxBytes:             64 << 20,
		Now:                  func() time.Time { return current },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := New(cfg)
	t.Cleanup(func() { store.Close() })
	return store, &current
}

func makeSpan(traceID, spanID, service string, startNs, ingestNs int64) *models.Span {
	return &models.Span{
		TraceID:      traceID,
		SpanID:       spanID,
		Name:         spanID,
		Kind:         "SERVER",
		StartTimeNs:  startNs,
		EndTimeNs:    startNs + 1_000_000,
		ServiceName:  service,
		IngestTimeNs: ingestNs,
	}
}

func makeMetric(name string, kind models.MetricKind, ts int64) *storage.MetricData {
	v := 1.0
	return &storage.MetricData{
		Meta: models.MetricMeta{Name: name, Kind: kind},
		Series: []*storage.SeriesPoints{{
			Meta: models.SeriesMeta{
				MetricName:   name,
				Fingerprint:  "fp1",
				ResourceRef:  "res1",
				LastUpdateNs: ts,
			},
			Points: []models.DataPoint{{TimestampNs: ts, Value: &v}},
		}},
	}
}

func TestSpanRoundTrip(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	spans := []*models.Span{
		makeSpan("trace1", "span2", "orders", base+100, base),
		makeSpan("trace1", "span1", "orders", base, base),
	}
	if err := store.StoreSpans(ctx, nil, nil, spans); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}

	got, err := store.GetTrace(ctx, "trace1")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d spans, want 2", len(got))
	}
	if got[0].SpanID != "span1" || got[1].SpanID != "span2" {
		t.Errorf("spans not ordered by start time: %s, %s", got[0].SpanID, got[1].SpanID)
	}

	traces, err := store.RecentTraces(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTraces failed: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != "trace1" || traces[0].SpanCount != 2 {
		t.Errorf("unexpected summaries: %+v", traces)
	}
}

func TestDuplicateSpanIdempotent(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	first := makeSpan("t", "s", "svc", base, base)
	first.Name = "first"
	second := makeSpan("t", "s", "svc", base, base+1000)
	second.Name = "second"

	if err := store.StoreSpans(ctx, nil, nil, []*models.Span{first}); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}
	if err := store.StoreSpans(ctx, nil, nil, []*models.Span{second}); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}

	spans, err := store.GetTrace(ctx, "t")
	if err != nil {
		t.Fatalf("GetTrace failed: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("duplicate write produced %d spans, want 1", len(spans))
	}
	if spans[0].Name != "second" {
		t.Errorf("latest ingest should win, got %q", spans[0].Name)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Spans != 1 {
		t.Errorf("span count = %d, want 1", stats.Spans)
	}
}

func TestTTLExpiry(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	span := makeSpan("t", "s", "svc", base, base)
	if err := store.StoreSpans(ctx, nil, nil, []*models.Span{span}); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}

	spans, _ := store.GetTrace(ctx, "t")
	if len(spans) != 1 {
		t.Fatalf("span should be live before the TTL")
	}

	// Advance past the retention window; reads must skip the record even
	// before the sweeper runs.
	*now = now.Add(31 * time.Minute)

	spans, _ = store.GetTrace(ctx, "t")
	if len(spans) != 0 {
		t.Errorf("expired span still visible: %+v", spans)
	}
	traces, _ := store.RecentTraces(ctx, 10)
	if len(traces) != 0 {
		t.Errorf("expired trace still listed: %+v", traces)
	}
}

func TestSweepReclaimsBytes(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	for i := 0; i < 10; i++ {
		span := makeSpan("t", fmt.Sprintf("s%d", i), "svc", base+int64(i), base)
		if err := store.StoreSpans(ctx, nil, nil, []*models.Span{span}); err != nil {
			t.Fatalf("StoreSpans failed: %v", err)
		}
	}

	statsBefore, _ := store.Stats(ctx)
	if statsBefore.BytesUsed == 0 {
		t.Fatal("bytes accounting not tracking writes")
	}

	*now = now.Add(31 * time.Minute)
	store.sweep()

	statsAfter, _ := store.Stats(ctx)
	if statsAfter.BytesUsed != 0 {
		t.Errorf("sweep left %d bytes accounted", statsAfter.BytesUsed)
	}
	if statsAfter.Spans != 0 || statsAfter.Traces != 0 {
		t.Errorf("sweep left records: %+v", statsAfter)
	}
}

func TestCapacityBackpressure(t *testing.T) {
	store, now := newTestStore(t, func(cfg *Config) { cfg.MaxBytes = 1 })
	ctx := context.Background()
	base := now.UnixNano()

	// First write is admitted (bound checked before the write), the second
	// must be refused.
	if err := store.StoreSpans(ctx, nil, nil, []*models.Span{makeSpan("t", "a", "svc", base, base)}); err != nil {
		t.Fatalf("first write should pass: %v", err)
	}
	err := store.StoreSpans(ctx, nil, nil, []*models.Span{makeSpan("t", "b", "svc", base, base)})
	if !errors.Is(err, models.ErrOutOfCapacity) {
		t.Fatalf("got %v, want ErrOutOfCapacity", err)
	}

	// The refused batch must not be partially applied.
	spans, _ := store.GetTrace(ctx, "t")
	if len(spans) != 1 {
		t.Errorf("refused batch leaked records: %d spans", len(spans))
	}
}

func TestMetricCardinalityLimit(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	ts := now.UnixNano()

	for i := 0; i < 3; i++ {
		result, err := store.StoreMetrics(ctx, nil, []*storage.MetricData{
			makeMetric(fmt.Sprintf("metric_%d", i), models.MetricKindGauge, ts),
		})
		if err != nil || len(result.DroppedNames) != 0 {
			t.Fatalf("metric %d should be admitted: %v %v", i, err, result)
		}
	}

	result, err := store.StoreMetrics(ctx, nil, []*storage.MetricData{
		makeMetric("metric_overflow", models.MetricKindGauge, ts),
	})
	if err != nil {
		t.Fatalf("StoreMetrics failed: %v", err)
	}
	if len(result.DroppedNames) != 1 || result.DroppedNames[0] != "metric_overflow" {
		t.Fatalf("overflow name not dropped: %+v", result)
	}

	// A known name keeps accepting new points at the limit.
	result, err = store.StoreMetrics(ctx, nil, []*storage.MetricData{
		makeMetric("metric_0", models.MetricKindGauge, ts+1),
	})
	if err != nil || len(result.DroppedNames) != 0 {
		t.Fatalf("known name rejected at limit: %v %v", err, result)
	}

	card, err := store.CardinalityStats(ctx)
	if err != nil {
		t.Fatalf("CardinalityStats failed: %v", err)
	}
	if card.Current != 3 || card.Max != 3 || card.DroppedCount != 1 {
		t.Errorf("cardinality stats: %+v", card)
	}
	if len(card.DroppedNames) != 1 || card.DroppedNames[0] != "metric_overflow" {
		t.Errorf("dropped names: %v", card.DroppedNames)
	}
}

func TestMetricKindConflict(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	ts := now.UnixNano()

	if _, err := store.StoreMetrics(ctx, nil, []*storage.MetricData{
		makeMetric("latency", models.MetricKindGauge, ts),
	}); err != nil {
		t.Fatalf("StoreMetrics failed: %v", err)
	}

	result, err := store.StoreMetrics(ctx, nil, []*storage.MetricData{
		makeMetric("latency", models.MetricKindHistogram, ts+1),
	})
	if err != nil {
		t.Fatalf("StoreMetrics failed: %v", err)
	}
	if len(result.KindConflicts) != 1 || result.KindConflicts[0] != "latency" {
		t.Fatalf("kind conflict not reported: %+v", result)
	}

	meta, err := store.GetMetricMeta(ctx, "latency")
	if err != nil {
		t.Fatalf("GetMetricMeta failed: %v", err)
	}
	if meta.Kind != models.MetricKindGauge {
		t.Errorf("kind mutated to %s", meta.Kind)
	}
}

func TestPointsRange(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	ts := now.UnixNano()

	md := makeMetric("reqs", models.MetricKindSum, ts)
	v2 := 2.0
	md.Series[0].Points = append(md.Series[0].Points, models.DataPoint{TimestampNs: ts + 1000, Value: &v2})
	if _, err := store.StoreMetrics(ctx, nil, []*storage.MetricData{md}); err != nil {
		t.Fatalf("StoreMetrics failed: %v", err)
	}

	points, err := store.Points(ctx, "reqs", "fp1", ts, ts+500)
	if err != nil {
		t.Fatalf("Points failed: %v", err)
	}
	if len(points) != 1 || points[0].TimestampNs != ts {
		t.Errorf("range query returned %+v", points)
	}

	all, _ := store.Points(ctx, "reqs", "fp1", 0, ts+10_000)
	if len(all) != 2 {
		t.Errorf("full range returned %d points", len(all))
	}
	if len(all) == 2 && all[0].TimestampNs > all[1].TimestampNs {
		t.Error("points not ordered by timestamp")
	}
}

func TestLogQueryFilters(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	logs := []*models.LogRecord{
		{LogID: "l1", TimestampNs: base, SeverityText: "ERROR", Body: "boom", TraceID: "t1", ServiceName: "svc", IngestTimeNs: base},
		{LogID: "l2", TimestampNs: base + 1, SeverityText: "INFO", Body: "ok", TraceID: "t1", ServiceName: "svc", IngestTimeNs: base},
		{LogID: "l3", TimestampNs: base + 2, SeverityText: "ERROR", Body: "boom2", ServiceName: "svc", IngestTimeNs: base},
	}
	if err := store.StoreLogs(ctx, nil, nil, logs); err != nil {
		t.Fatalf("StoreLogs failed: %v", err)
	}

	got, err := store.Logs(ctx, storage.LogQuery{TraceID: "t1"})
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("trace filter returned %d logs, want 2", len(got))
	}

	got, _ = store.Logs(ctx, storage.LogQuery{Severity: "ERROR"})
	if len(got) != 2 {
		t.Errorf("severity filter returned %d logs, want 2", len(got))
	}
	for _, lr := range got {
		if lr.SeverityText != "ERROR" {
			t.Errorf("severity filter leaked %s", lr.SeverityText)
		}
	}

	got, _ = store.Logs(ctx, storage.LogQuery{Limit: 1})
	if len(got) != 1 || got[0].LogID != "l3" {
		t.Errorf("limit/order wrong: %+v", got)
	}
}

func TestListServicesAndResources(t *testing.T) {
	store, now := newTestStore(t, nil)
	ctx := context.Background()
	base := now.UnixNano()

	res := models.NewResource(models.Attributes{"service.name": models.StringValue("orders")})
	span := makeSpan("t", "s", "orders", base, base)
	span.ResourceRef = res.Ref
	if err := store.StoreSpans(ctx, []*models.Resource{res}, nil, []*models.Span{span}); err != nil {
		t.Fatalf("StoreSpans failed: %v", err)
	}

	services, err := store.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices failed: %v", err)
	}
	if len(services) != 1 || services[0] != "orders" {
		t.Errorf("services = %v", services)
	}

	got, err := store.GetResource(ctx, res.Ref)
	if err != nil {
		t.Fatalf("GetResource failed: %v", err)
	}
	if got.Attributes.GetString("service.name") != "orders" {
		t.Errorf("resource attrs = %v", got.Attributes)
	}

	if _, err := store.GetResource(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing resource: got %v, want ErrNotFound", err)
	}
}
