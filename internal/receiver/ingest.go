// Package receiver implements the OTLP ingestion endpoint: gRPC and HTTP
// transports sharing one normalization and admission pipeline.
package receiver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinyolly/tinyolly/internal/normalizer"
	"github.com/tinyolly/tinyolly/internal/selfmetrics"
	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// Ingester is the transport-independent ingest pipeline: normalize, admit,
// account. Both transports delegate here so semantics cannot drift.
type Ingester struct {
	store  storage.Storage
	norm   *normalizer.Normalizer
	logger zerolog.Logger

	// Consecutive capacity failures drive the Retry-After backoff.
	mu       sync.Mutex
	failures int
}

// NewIngester builds the shared pipeline.
func NewIngester(store storage.Storage, logger zerolog.Logger) *Ingester {
	return &Ingester{
		store:  store,
		norm:   normalizer.New(nil),
		logger: logger,
	}
}

// RetryAfter returns the current client backoff hint, doubling per
// consecutive capacity failure up to one minute.
func (i *Ingester) RetryAfter() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.failures == 0 {
		return time.Second
	}
	d := time.Second << uint(min(i.failures-1, 6))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (i *Ingester) recordOutcome(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if errors.Is(err, models.ErrOutOfCapacity) {
		i.failures++
		return
	}
	i.failures = 0
}

// Traces ingests one trace export payload. Returns the number of rejected
// spans for the partial-success response.
func (i *Ingester) Traces(ctx context.Context, resourceSpans []*tracepb.ResourceSpans) (int64, error) {
	batch := i.norm.Traces(resourceSpans)
	i.account("traces", batch.Rejected, batch.DroppedAttrs)

	if len(batch.Spans) > 0 {
		err := i.store.StoreSpans(ctx, batch.Resources, batch.Scopes, batch.Spans)
		i.recordOutcome(err)
		if err != nil {
			if errors.Is(err, models.ErrOutOfCapacity) {
				selfmetrics.RejectedRecords.WithLabelValues("traces", selfmetrics.ReasonCapacity).Add(float64(len(batch.Spans)))
			}
			return int64(batch.Rejected), err
		}
		selfmetrics.ReceivedRecords.WithLabelValues("traces").Add(float64(len(batch.Spans)))
	}
	return int64(batch.Rejected), nil
}

// Logs ingests one log export payload.
func (i *Ingester) Logs(ctx context.Context, resourceLogs []*logspb.ResourceLogs) (int64, error) {
	batch := i.norm.Logs(resourceLogs)
	i.account("logs", batch.Rejected, batch.DroppedAttrs)

	if len(batch.Logs) > 0 {
		err := i.store.StoreLogs(ctx, batch.Resources, batch.Scopes, batch.Logs)
		i.recordOutcome(err)
		if err != nil {
			if errors.Is(err, models.ErrOutOfCapacity) {
				selfmetrics.RejectedRecords.WithLabelValues("logs", selfmetrics.ReasonCapacity).Add(float64(len(batch.Logs)))
			}
			return int64(batch.Rejected), err
		}
		selfmetrics.ReceivedRecords.WithLabelValues("logs").Add(float64(len(batch.Logs)))
	}
	return int64(batch.Rejected), nil
}

// Metrics ingests one metric export payload. The returned count covers data
// points rejected by validation, cardinality admission and kind conflicts.
func (i *Ingester) Metrics(ctx context.Context, resourceMetrics []*metricspb.ResourceMetrics) (int64, error) {
	batch := i.norm.Metrics(resourceMetrics)
	i.account("metrics", batch.Rejected, batch.DroppedAttrs)
	rejected := int64(batch.Rejected)

	if len(batch.Metrics) == 0 {
		return rejected, nil
	}

	result, err := i.store.StoreMetrics(ctx, batch.Resources, batch.Metrics)
	i.recordOutcome(err)
	if err != nil {
		if errors.Is(err, models.ErrOutOfCapacity) {
			selfmetrics.RejectedRecords.WithLabelValues("metrics", selfmetrics.ReasonCapacity).Add(float64(pointCount(batch.Metrics)))
		}
		return rejected, err
	}

	accepted := pointCount(batch.Metrics)
	for _, name := range result.DroppedNames {
		n := metricPointCount(batch.Metrics, name)
		accepted -= n
		rejected += int64(n)
		selfmetrics.RejectedRecords.WithLabelValues("metrics", selfmetrics.ReasonCardinality).Add(float64(n))
	}
	for _, name := range result.KindConflicts {
		n := metricPointCount(batch.Metrics, name)
		accepted -= n
		rejected += int64(n)
		selfmetrics.RejectedRecords.WithLabelValues("metrics", selfmetrics.ReasonKindConflict).Add(float64(n))
		i.logger.Warn().Err(models.ErrMetricKindConflict).Str("metric", name).Msg("series dropped")
	}
	if accepted > 0 {
		selfmetrics.ReceivedRecords.WithLabelValues("metrics").Add(float64(accepted))
	}
	return rejected, nil
}

func (i *Ingester) account(signal string, rejected, droppedAttrs int) {
	if rejected > 0 {
		selfmetrics.RejectedRecords.WithLabelValues(signal, selfmetrics.ReasonValidation).Add(float64(rejected))
	}
	if droppedAttrs > 0 {
		selfmetrics.DroppedAttributes.WithLabelValues(signal).Add(float64(droppedAttrs))
	}
}

func pointCount(metrics []*storage.MetricData) int {
	total := 0
	for _, md := range metrics {
		for _, sp := range md.Series {
			total += len(sp.Points)
		}
	}
	return total
}

func metricPointCount(metrics []*storage.MetricData, name string) int {
	for _, md := range metrics {
		if md.Meta.Name != name {
			continue
		}
		total := 0
		for _, sp := range md.Series {
			total += len(sp.Points)
		}
		return total
	}
	return 0
}
