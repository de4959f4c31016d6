// Package redis provides the Redis-backed storage backend. The key layout
// uses one namespace per index; every key carries the retention TTL so the
// whole dataset ages out of the server on its own.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/internal/codec"
	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// Key namespaces. Values are codec frames; zset scores are unix milliseconds
// (nanosecond scores would exceed float64 integer precision).
const (
	keyTraceIndex  = "trace_index"   // trace id scored by ingest
	keySpanIngest  = "span_ingest"   // span key scored by ingest
	keySpanStart   = "span_start"    // span key scored by start time
	keyLogIngest   = "log_ingest"    // log id scored by ingest
	keyLogIndex    = "log_index"     // log id scored by record timestamp
	keyServices    = "services"      // set of service names
	keyMetricNames = "metrics:names" // set of admitted metric names
	keyDroppedCnt  = "metrics:dropped_count"
	keyDroppedSet  = "metrics:dropped_names"
)

func keySpan(traceID, spanID string) string    { return "span:" + traceID + ":" + spanID }
func keyTraceSpans(traceID string) string      { return "trace:" + traceID + ":spans" }
func keyTraceLogs(traceID string) string       { return "trace:" + traceID + ":logs" }
func keyLog(logID string) string               { return "log:" + logID }
func keyServiceSpans(service string) string    { return "service:" + service + ":spans" }
func keyResource(ref string) string            { return "resource:" + ref }
func keyScope(ref string) string               { return "scope:" + ref }
func keyMetricMeta(name string) string         { return "metrics:meta:" + name }
func keySeriesSet(name string) string          { return "metrics:series:" + name }
func keySeriesMeta(name, fp string) string     { return "metrics:seriesmeta:" + name + ":" + fp }
func keySeriesPoints(name, fp string) string   { return "metrics:points:" + name + ":" + fp }

// Config tunes the Redis store.
type Config struct {
	Addr                 string
	Retention            time.Duration
	MaxMetricCardinality int
	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger zerolog.Logger
}

// Store is the Redis-backed backend.
type Store struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time

	// Cardinality admission is serialized per process; the counter set lives
	// in Redis so restarts within the window keep the accounting.
	admitMu    sync.Mutex
	warnedOnce map[string]struct{}

	droppedLocal atomic.Int64
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = 1800 * time.Second
	}
	if cfg.MaxMetricCardinality <= 0 {
		cfg.MaxMetricCardinality = 1000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &Store{
		client:     client,
		cfg:        cfg,
		now:        now,
		warnedOnce: make(map[string]struct{}),
	}, nil
}

func (s *Store) cutoffMs() int64 {
	return s.now().Add(-s.cfg.Retention).UnixMilli()
}

func msScore(ns int64) float64 {
	return float64(ns / int64(time.Millisecond))
}

// StoreSpans admits a span batch in one pipeline.
func (s *Store) StoreSpans(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, spans []*models.Span) error {
	if len(spans) == 0 {
		return nil
	}

	frames := make([][]byte, len(spans))
	for i, sp := range spans {
		frame, err := codec.Encode(codec.SchemaSpan, sp)
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	ttl := s.cfg.Retention
	pipe := s.client.Pipeline()
	s.internPipe(ctx, pipe, resources, scopes)

	for i, sp := range spans {
		member := sp.TraceID + ":" + sp.SpanID
		pipe.Set(ctx, keySpan(sp.TraceID, sp.SpanID), frames[i], ttl)
		pipe.ZAdd(ctx, keyTraceSpans(sp.TraceID), redis.Z{Score: msScore(sp.StartTimeNs), Member: sp.SpanID})
		pipe.Expire(ctx, keyTraceSpans(sp.TraceID), ttl)
		pipe.ZAdd(ctx, keyTraceIndex, redis.Z{Score: msScore(sp.IngestTimeNs), Member: sp.TraceID})
		pipe.Expire(ctx, keyTraceIndex, ttl)
		pipe.ZAdd(ctx, keySpanIngest, redis.Z{Score: msScore(sp.IngestTimeNs), Member: member})
		pipe.Expire(ctx, keySpanIngest, ttl)
		pipe.ZAdd(ctx, keySpanStart, redis.Z{Score: msScore(sp.StartTimeNs), Member: member})
		pipe.Expire(ctx, keySpanStart, ttl)
		pipe.ZAdd(ctx, keyServiceSpans(sp.ServiceName), redis.Z{Score: msScore(sp.StartTimeNs), Member: member})
		pipe.Expire(ctx, keyServiceSpans(sp.ServiceName), ttl)
		pipe.SAdd(ctx, keyServices, sp.ServiceName)
		pipe.Expire(ctx, keyServices, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis span batch: %w", err)
	}
	return nil
}

// StoreLogs admits a log batch in one pipeline.
func (s *Store) StoreLogs(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, logs []*models.LogRecord) error {
	if len(logs) == 0 {
		return nil
	}

	frames := make([][]byte, len(logs))
	for i, lr := range logs {
		frame, err := codec.Encode(codec.SchemaLog, lr)
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	ttl := s.cfg.Retention
	pipe := s.client.Pipeline()
	s.internPipe(ctx, pipe, resources, scopes)

	for i, lr := range logs {
		pipe.Set(ctx, keyLog(lr.LogID), frames[i], ttl)
		pipe.ZAdd(ctx, keyLogIndex, redis.Z{Score: msScore(lr.TimestampNs), Member: lr.LogID})
		pipe.Expire(ctx, keyLogIndex, ttl)
		pipe.ZAdd(ctx, keyLogIngest, redis.Z{Score: msScore(lr.IngestTimeNs), Member: lr.LogID})
		pipe.Expire(ctx, keyLogIngest, ttl)
		if lr.TraceID != "" {
			pipe.ZAdd(ctx, keyTraceLogs(lr.TraceID), redis.Z{Score: msScore(lr.TimestampNs), Member: lr.LogID})
			pipe.Expire(ctx, keyTraceLogs(lr.TraceID), ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis log batch: %w", err)
	}
	return nil
}

// StoreMetrics admits a metric batch. Name admission and kind checks are
// serialized; the data points ride one pipeline afterwards.
func (s *Store) StoreMetrics(ctx context.Context, resources []*models.Resource, metrics []*storage.MetricData) (*storage.MetricWriteResult, error) {
	if len(metrics) == 0 {
		return &storage.MetricWriteResult{}, nil
	}

	result := &storage.MetricWriteResult{}
	admitted := make([]*storage.MetricData, 0, len(metrics))

	s.admitMu.Lock()
	for _, md := range metrics {
		ok, conflict, err := s.admitMetric(ctx, &md.Meta)
		if err != nil {
			s.admitMu.Unlock()
			return nil, err
		}
		switch {
		case conflict:
			result.KindConflicts = append(result.KindConflicts, md.Meta.Name)
		case !ok:
			result.DroppedNames = append(result.DroppedNames, md.Meta.Name)
		default:
			admitted = append(admitted, md)
		}
	}
	s.admitMu.Unlock()

	if len(admitted) == 0 {
		return result, nil
	}

	ttl := s.cfg.Retention
	pipe := s.client.Pipeline()
	s.internPipe(ctx, pipe, resources, nil)

	for _, md := range admitted {
		name := md.Meta.Name
		for _, sp := range md.Series {
			fp := sp.Meta.Fingerprint
			metaFrame, err := codec.Encode(codec.SchemaSeriesMeta, &sp.Meta)
			if err != nil {
				return nil, err
			}
			pipe.Set(ctx, keySeriesMeta(name, fp), metaFrame, ttl)
			pipe.SAdd(ctx, keySeriesSet(name), fp)
			pipe.Expire(ctx, keySeriesSet(name), ttl)

			for _, dp := range sp.Points {
				frame, err := codec.Encode(codec.SchemaDataPoint, &dp)
				if err != nil {
					return nil, err
				}
				pipe.ZAdd(ctx, keySeriesPoints(name, fp), redis.Z{Score: msScore(dp.TimestampNs), Member: frame})
			}
			pipe.Expire(ctx, keySeriesPoints(name, fp), ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis metric batch: %w", err)
	}
	return result, nil
}

// admitMetric enforces the cardinality bound and kind immutability for one
// metric name. Must be called with admitMu held.
func (s *Store) admitMetric(ctx context.Context, meta *models.MetricMeta) (admitted, conflict bool, err error) {
	known, err := s.client.SIsMember(ctx, keyMetricNames, meta.Name).Result()
	if err != nil {
		return false, false, fmt.Errorf("redis admission: %w", err)
	}

	if known {
		data, err := s.client.Get(ctx, keyMetricMeta(meta.Name)).Bytes()
		if err == nil {
			var existing models.MetricMeta
			if decErr := codec.Decode(data, codec.SchemaMetricMeta, &existing); decErr == nil && existing.Kind != meta.Kind {
				return false, true, nil
			}
		}
		return true, false, nil
	}

	count, err := s.client.SCard(ctx, keyMetricNames).Result()
	if err != nil {
		return false, false, fmt.Errorf("redis admission: %w", err)
	}
	if int(count) >= s.cfg.MaxMetricCardinality {
		if _, seen := s.warnedOnce[meta.Name]; !seen {
			s.warnedOnce[meta.Name] = struct{}{}
			s.cfg.Logger.Warn().
				Err(models.ErrCardinalityExceeded).
				Str("metric", meta.Name).
				Int("limit", s.cfg.MaxMetricCardinality).
				Msg("metric name rejected")
		}
		s.droppedLocal.Add(1)
		pipe := s.client.Pipeline()
		pipe.Incr(ctx, keyDroppedCnt)
		pipe.SAdd(ctx, keyDroppedSet, meta.Name)
		pipe.Expire(ctx, keyDroppedCnt, s.cfg.Retention)
		pipe.Expire(ctx, keyDroppedSet, s.cfg.Retention)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, false, fmt.Errorf("redis drop accounting: %w", err)
		}
		return false, false, nil
	}

	frame, err := codec.Encode(codec.SchemaMetricMeta, meta)
	if err != nil {
		return false, false, err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, keyMetricNames, meta.Name)
	pipe.Expire(ctx, keyMetricNames, s.cfg.Retention)
	pipe.Set(ctx, keyMetricMeta(meta.Name), frame, s.cfg.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, false, fmt.Errorf("redis admission write: %w", err)
	}
	return true, false, nil
}

func (s *Store) internPipe(ctx context.Context, pipe redis.Pipeliner, resources []*models.Resource, scopes []*models.Scope) {
	for _, r := range resources {
		if frame, err := codec.Encode(codec.SchemaResource, r); err == nil {
			pipe.Set(ctx, keyResource(r.Ref), frame, s.cfg.Retention)
		}
	}
	for _, sc := range scopes {
		if frame, err := codec.Encode(codec.SchemaScope, sc); err == nil {
			pipe.Set(ctx, keyScope(sc.Ref), frame, s.cfg.Retention)
		}
	}
}

// RecentTraces returns trace summaries, most recent first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]*models.TraceSummary, error) {
	s.pruneIngestIndexes(ctx)

	ids, err := s.client.ZRevRangeByScore(ctx, keyTraceIndex, &redis.ZRangeBy{
		Min:   strconv.FormatInt(s.cutoffMs(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis trace index: %w", err)
	}

	summaries := make([]*models.TraceSummary, 0, len(ids))
	for _, traceID := range ids {
		spans, err := s.GetTrace(ctx, traceID)
		if err != nil || len(spans) == 0 {
			continue
		}
		summaries = append(summaries, models.BuildTraceSummary(traceID, spans))
	}
	return summaries, nil
}

// GetTrace returns all live spans of a trace ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]*models.Span, error) {
	spanIDs, err := s.client.ZRange(ctx, keyTraceSpans(traceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis trace spans: %w", err)
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(spanIDs))
	for i, spanID := range spanIDs {
		keys[i] = keySpan(traceID, spanID)
	}
	return s.fetchSpans(ctx, keys)
}

// RecentSpans returns recent spans ordered by start time descending.
func (s *Store) RecentSpans(ctx context.Context, service string, limit int) ([]*models.Span, error) {
	index := keySpanStart
	if service != "" {
		index = keyServiceSpans(service)
	}

	members, err := s.client.ZRevRange(ctx, index, 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis span index: %w", err)
	}

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = "span:" + member
	}
	return s.fetchSpans(ctx, keys)
}

// fetchSpans resolves span keys, dropping entries whose value key has
// already expired.
func (s *Store) fetchSpans(ctx context.Context, keys []string) ([]*models.Span, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis span fetch: %w", err)
	}

	spans := make([]*models.Span, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // expired
		}
		var sp models.Span
		if err := codec.Decode([]byte(data), codec.SchemaSpan, &sp); err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("skipping undecodable span frame")
			continue
		}
		spans = append(spans, &sp)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].StartTimeNs < spans[j].StartTimeNs })
	return spans, nil
}

// Logs returns recent logs matching the query, newest first.
func (s *Store) Logs(ctx context.Context, q storage.LogQuery) ([]*models.LogRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	index := keyLogIndex
	if q.TraceID != "" {
		index = keyTraceLogs(q.TraceID)
	}
	// Over-fetch when a severity filter applies; it is applied post-decode.
	fetch := int64(limit)
	if q.Severity != "" {
		fetch = int64(limit) * 4
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, fetch-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis log index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyLog(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis log fetch: %w", err)
	}

	logs := make([]*models.LogRecord, 0, limit)
	for _, v := range values {
		if len(logs) >= limit {
			break
		}
		data, ok := v.(string)
		if !ok {
			continue
		}
		var lr models.LogRecord
		if err := codec.Decode([]byte(data), codec.SchemaLog, &lr); err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("skipping undecodable log frame")
			continue
		}
		if q.Severity != "" && lr.SeverityText != q.Severity {
			continue
		}
		logs = append(logs, &lr)
	}
	return logs, nil
}

// ListMetricMeta returns the catalog sorted by name.
func (s *Store) ListMetricMeta(ctx context.Context) ([]*models.MetricMeta, error) {
	names, err := s.client.SMembers(ctx, keyMetricNames).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis metric names: %w", err)
	}
	sort.Strings(names)

	metas := make([]*models.MetricMeta, 0, len(names))
	for _, name := range names {
		meta, err := s.GetMetricMeta(ctx, name)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// GetMetricMeta returns one catalog entry.
func (s *Store) GetMetricMeta(ctx context.Context, name string) (*models.MetricMeta, error) {
	data, err := s.client.Get(ctx, keyMetricMeta(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis metric meta: %w", err)
	}
	var meta models.MetricMeta
	if err := codec.Decode(data, codec.SchemaMetricMeta, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Series returns the series of a metric.
func (s *Store) Series(ctx context.Context, name string) ([]*models.SeriesMeta, error) {
	fps, err := s.client.SMembers(ctx, keySeriesSet(name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis series set: %w", err)
	}
	sort.Strings(fps)

	out := make([]*models.SeriesMeta, 0, len(fps))
	for _, fp := range fps {
		data, err := s.client.Get(ctx, keySeriesMeta(name, fp)).Bytes()
		if err != nil {
			continue
		}
		var sm models.SeriesMeta
		if err := codec.Decode(data, codec.SchemaSeriesMeta, &sm); err != nil {
			continue
		}
		out = append(out, &sm)
	}
	return out, nil
}

// Points returns the data points of a series within [startNs, endNs].
func (s *Store) Points(ctx context.Context, name, fingerprint string, startNs, endNs int64) ([]models.DataPoint, error) {
	members, err := s.client.ZRangeByScore(ctx, keySeriesPoints(name, fingerprint), &redis.ZRangeBy{
		Min: strconv.FormatInt(startNs/int64(time.Millisecond), 10),
		Max: strconv.FormatInt(endNs/int64(time.Millisecond), 10),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis series points: %w", err)
	}

	points := make([]models.DataPoint, 0, len(members))
	for _, member := range members {
		var dp models.DataPoint
		if err := codec.Decode([]byte(member), codec.SchemaDataPoint, &dp); err != nil {
			continue
		}
		points = append(points, dp)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].TimestampNs < points[j].TimestampNs })
	return points, nil
}

// GetResource resolves an interned resource ref.
func (s *Store) GetResource(ctx context.Context, ref string) (*models.Resource, error) {
	data, err := s.client.Get(ctx, keyResource(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis resource: %w", err)
	}
	var r models.Resource
	if err := codec.Decode(data, codec.SchemaResource, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListServices returns all service names seen in the window.
func (s *Store) ListServices(ctx context.Context) ([]string, error) {
	services, err := s.client.SMembers(ctx, keyServices).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis services: %w", err)
	}
	sort.Strings(services)
	return services, nil
}

// CardinalityStats returns admission accounting.
func (s *Store) CardinalityStats(ctx context.Context) (*storage.CardinalityStats, error) {
	current, err := s.client.SCard(ctx, keyMetricNames).Result()
	if err != nil {
		return nil, fmt.Errorf("redis cardinality: %w", err)
	}
	droppedCount, _ := s.client.Get(ctx, keyDroppedCnt).Int64()
	droppedNames, _ := s.client.SMembers(ctx, keyDroppedSet).Result()
	sort.Strings(droppedNames)

	return &storage.CardinalityStats{
		Current:      int(current),
		Max:          s.cfg.MaxMetricCardinality,
		DroppedCount: droppedCount,
		DroppedNames: droppedNames,
	}, nil
}

// Stats returns store-wide counts.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.pruneIngestIndexes(ctx)

	traces, _ := s.client.ZCard(ctx, keyTraceIndex).Result()
	spans, _ := s.client.ZCard(ctx, keySpanIngest).Result()
	logs, _ := s.client.ZCard(ctx, keyLogIngest).Result()

	card, err := s.CardinalityStats(ctx)
	if err != nil {
		return nil, err
	}

	return &storage.Stats{
		Traces:         int(traces),
		Spans:          int(spans),
		Logs:           int(logs),
		Metrics:        card.Current,
		MetricsMax:     card.Max,
		MetricsDropped: card.DroppedCount,
	}, nil
}

// pruneIngestIndexes drops index members past the retention window. Value
// keys expire on their own; the zsets need explicit trimming.
func (s *Store) pruneIngestIndexes(ctx context.Context) {
	max := strconv.FormatInt(s.cutoffMs()-1, 10)
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, keyTraceIndex, "-inf", max)
	pipe.ZRemRangeByScore(ctx, keySpanIngest, "-inf", max)
	pipe.ZRemRangeByScore(ctx, keyLogIngest, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("index prune failed")
	}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
