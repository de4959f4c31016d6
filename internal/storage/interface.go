// Package storage defines the ephemeral store contract: time-indexed records
// with TTL expiry, cardinality accounting and secondary indexes.
package storage

import (
	"context"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// SeriesPoints groups the data points of one series inside a write batch.
type SeriesPoints struct {
	Meta   models.SeriesMeta
	Points []models.DataPoint
}

// MetricData is one metric of a write batch: catalog entry plus its series.
type MetricData struct {
	Meta   models.MetricMeta
	Series []*SeriesPoints
}

// MetricWriteResult reports what a metric batch write dropped.
type MetricWriteResult struct {
	// DroppedNames lists metric names rejected by the cardinality limit.
	DroppedNames []string
	// KindConflicts lists metric names rejected because their kind differs
	// from the one already recorded.
	KindConflicts []string
}

// LogQuery filters log reads.
type LogQuery struct {
	TraceID  string
	Severity string
	Limit    int
}

// CardinalityStats reports metric-name admission accounting.
type CardinalityStats struct {
	Current      int      `json:"current"`
	Max          int      `json:"max"`
	DroppedCount int64    `json:"dropped_count"`
	DroppedNames []string `json:"dropped_names"`
}

// Stats is the store-wide view served by /api/stats.
type Stats struct {
	Traces         int   `json:"traces"`
	Spans          int   `json:"spans"`
	Logs           int   `json:"logs"`
	Metrics        int   `json:"metrics"`
	MetricsMax     int   `json:"metrics_max"`
	MetricsDropped int64 `json:"metrics_dropped"`
	BytesUsed      int64 `json:"bytes_used"`
	MaxBytes       int64 `json:"max_bytes"`
}

// Storage is the ephemeral store. Writes are batch-atomic per signal type;
// reads return a consistent snapshot of entries present at call time and
// transparently skip entries past their TTL.
type Storage interface {
	// StoreSpans admits a normalized span batch together with the interned
	// resources and scopes it references. Returns models.ErrOutOfCapacity
	// when the memory bound is hit; the batch is then not applied.
	StoreSpans(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, spans []*models.Span) error

	// StoreLogs admits a normalized log batch.
	StoreLogs(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, logs []*models.LogRecord) error

	// StoreMetrics admits a normalized metric batch, enforcing the distinct
	// metric name limit and kind immutability per name.
	StoreMetrics(ctx context.Context, resources []*models.Resource, metrics []*MetricData) (*MetricWriteResult, error)

	// RecentTraces returns up to limit trace summaries, most recent first.
	RecentTraces(ctx context.Context, limit int) ([]*models.TraceSummary, error)

	// GetTrace returns all spans of a trace ordered by start time.
	GetTrace(ctx context.Context, traceID string) ([]*models.Span, error)

	// RecentSpans returns recent spans, optionally filtered by service name.
	RecentSpans(ctx context.Context, service string, limit int) ([]*models.Span, error)

	// Logs returns recent logs matching the query, most recent first.
	Logs(ctx context.Context, q LogQuery) ([]*models.LogRecord, error)

	// ListMetricMeta returns the metric catalog sorted by name.
	ListMetricMeta(ctx context.Context) ([]*models.MetricMeta, error)

	// GetMetricMeta returns one catalog entry, or models.ErrNotFound.
	GetMetricMeta(ctx context.Context, name string) (*models.MetricMeta, error)

	// Series returns the series of a metric.
	Series(ctx context.Context, name string) ([]*models.SeriesMeta, error)

	// Points returns the data points of a series within [startNs, endNs],
	// ordered by timestamp.
	Points(ctx context.Context, name, fingerprint string, startNs, endNs int64) ([]models.DataPoint, error)

	// GetResource resolves an interned resource ref.
	GetResource(ctx context.Context, ref string) (*models.Resource, error)

	// ListServices returns all service names seen in the window.
	ListServices(ctx context.Context) ([]string, error)

	// CardinalityStats returns metric-name admission accounting.
	CardinalityStats(ctx context.Context) (*CardinalityStats, error)

	// Stats returns store-wide counts.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources and stops background sweeps.
	Close() error
}
