// Package memory provides the embedded in-memory storage backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/internal/codec"
	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// Config tunes the in-memory store.
type Config struct {
	// Retention is the TTL applied to every record.
	Retention time.Duration
	// MaxMetricCardinality bounds the count of distinct metric names.
	MaxMetricCardinality int
	// MaxBytes bounds the total encoded bytes held. Writes fail with
	// models.ErrOutOfCapacity once the bound is crossed.
	MaxBytes int64
	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger zerolog.Logger
}

// timeEntry is one secondary-index entry: a record key scored by time.
type timeEntry struct {
	score int64
	key   string
}

// frameEntry is an encoded record plus the ingest time seeding its TTL.
type frameEntry struct {
	frame    []byte
	ingestNs int64
}

// Store is the embedded backend. Families use independent locks so writes to
// spans, logs and metrics do not contend with each other.
type Store struct {
	cfg Config
	now func() time.Time

	spansMu      sync.RWMutex
	spans        map[string]frameEntry // traceID:spanID -> encoded Span
	traceSpans   map[string][]string   // traceID -> member span keys
	traceIndex   []timeEntry           // traceID scored by ingest_time_ns
	spanIndex    []timeEntry           // span key scored by start_time_ns
	serviceSpans map[string][]timeEntry

	logsMu    sync.RWMutex
	logs      map[string]frameEntry // log id -> encoded LogRecord
	logIndex  []timeEntry           // log id scored by timestamp_ns
	traceLogs map[string][]string

	metricsMu    sync.RWMutex
	metricMeta   map[string]*models.MetricMeta
	series       map[string]map[string]*models.SeriesMeta // name -> fingerprint
	points       map[string][]pointEntry                  // name:fingerprint
	droppedNames map[string]struct{}

	internMu  sync.RWMutex
	resources map[string]*models.Resource
	scopes    map[string]*models.Scope

	droppedCount atomic.Int64
	bytesUsed    atomic.Int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type pointEntry struct {
	score    int64 // timestamp_ns
	ingestNs int64
	frame    []byte
}

// New creates the store and starts its TTL sweeper.
func New(cfg Config) *Store {
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

	s := &Store{
		cfg:          cfg,
		now:          now,
		spans:        make(map[string]frameEntry),
		traceSpans:   make(map[string][]string),
		serviceSpans: make(map[string][]timeEntry),
		logs:         make(map[string]frameEntry),
		traceLogs:    make(map[string][]string),
		metricMeta:   make(map[string]*models.MetricMeta),
		series:       make(map[string]map[string]*models.SeriesMeta),
		points:       make(map[string][]pointEntry),
		droppedNames: make(map[string]struct{}),
		resources:    make(map[string]*models.Resource),
		scopes:       make(map[string]*models.Scope),
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// cutoffNs returns the oldest ingest time still alive.
func (s *Store) cutoffNs() int64 {
	return s.now().UnixNano() - s.cfg.Retention.Nanoseconds()
}

func (s *Store) overCapacity() bool {
	return s.cfg.MaxBytes > 0 && s.bytesUsed.Load() >= s.cfg.MaxBytes
}

func spanKey(traceID, spanID string) string {
	return traceID + ":" + spanID
}

// StoreSpans admits a span batch. The whole batch is applied or none of it.
func (s *Store) StoreSpans(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, spans []*models.Span) error {
	if len(spans) == 0 {
		return nil
	}
	if s.overCapacity() {
		return models.ErrOutOfCapacity
	}
	s.intern(resources, scopes)

	// Encode outside the lock; a failed encode rejects the batch before any
	// index is touched.
	frames := make([][]byte, len(spans))
	for i, sp := range spans {
		frame, err := codec.Encode(codec.SchemaSpan, sp)
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	s.spansMu.Lock()
	defer s.spansMu.Unlock()

	for i, sp := range spans {
		key := spanKey(sp.TraceID, sp.SpanID)
		if existing, ok := s.spans[key]; ok {
			// Duplicate (trace_id, span_id): keep the latest by ingest time,
			// never duplicate index entries.
			if sp.IngestTimeNs >= existing.ingestNs {
				s.bytesUsed.Add(int64(len(frames[i]) - len(existing.frame)))
				s.spans[key] = frameEntry{frame: frames[i], ingestNs: sp.IngestTimeNs}
			}
			continue
		}

		s.spans[key] = frameEntry{frame: frames[i], ingestNs: sp.IngestTimeNs}
		s.bytesUsed.Add(int64(len(frames[i])))
		s.traceSpans[sp.TraceID] = append(s.traceSpans[sp.TraceID], key)
		s.traceIndex = append(s.traceIndex, timeEntry{score: sp.IngestTimeNs, key: sp.TraceID})
		s.spanIndex = append(s.spanIndex, timeEntry{score: sp.StartTimeNs, key: key})
		s.serviceSpans[sp.ServiceName] = append(s.serviceSpans[sp.ServiceName], timeEntry{score: sp.StartTimeNs, key: key})
	}
	return nil
}

// StoreLogs admits a log batch.
func (s *Store) StoreLogs(ctx context.Context, resources []*models.Resource, scopes []*models.Scope, logs []*models.LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	if s.overCapacity() {
		return models.ErrOutOfCapacity
	}
	s.intern(resources, scopes)

	frames := make([][]byte, len(logs))
	for i, lr := range logs {
		frame, err := codec.Encode(codec.SchemaLog, lr)
		if err != nil {
			return err
		}
		frames[i] = frame
	}

	s.logsMu.Lock()
	defer s.logsMu.Unlock()

	for i, lr := range logs {
		if _, ok := s.logs[lr.LogID]; ok {
			continue
		}
		s.logs[lr.LogID] = frameEntry{frame: frames[i], ingestNs: lr.IngestTimeNs}
		s.bytesUsed.Add(int64(len(frames[i])))
		s.logIndex = append(s.logIndex, timeEntry{score: lr.TimestampNs, key: lr.LogID})
		if lr.TraceID != "" {
			s.traceLogs[lr.TraceID] = append(s.traceLogs[lr.TraceID], lr.LogID)
		}
	}
	return nil
}

// StoreMetrics admits a metric batch, enforcing cardinality and kind
// immutability per metric name.
func (s *Store) StoreMetrics(ctx context.Context, resources []*models.Resource, metrics []*storage.MetricData) (*storage.MetricWriteResult, error) {
	if len(metrics) == 0 {
		return &storage.MetricWriteResult{}, nil
	}
	if s.overCapacity() {
		return nil, models.ErrOutOfCapacity
	}
	s.intern(resources, nil)

	result := &storage.MetricWriteResult{}

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	for _, md := range metrics {
		name := md.Meta.Name

		existing, known := s.metricMeta[name]
		if known && existing.Kind != md.Meta.Kind {
			result.KindConflicts = append(result.KindConflicts, name)
			continue
		}
		if !known {
			if len(s.metricMeta) >= s.cfg.MaxMetricCardinality {
				if _, seen := s.droppedNames[name]; !seen {
					s.droppedNames[name] = struct{}{}
					s.cfg.Logger.Warn().
						Err(models.ErrCardinalityExceeded).
						Str("metric", name).
						Int("limit", s.cfg.MaxMetricCardinality).
						Msg("metric name rejected")
				}
				s.droppedCount.Add(1)
				result.DroppedNames = append(result.DroppedNames, name)
				continue
			}
			meta := md.Meta
			s.metricMeta[name] = &meta
			s.series[name] = make(map[string]*models.SeriesMeta)
		} else if md.Meta.Unit != "" || md.Meta.Description != "" {
			existing.Unit = md.Meta.Unit
			existing.Description = md.Meta.Description
		}

		for _, sp := range md.Series {
			meta := sp.Meta
			if prev, ok := s.series[name][meta.Fingerprint]; !ok || meta.LastUpdateNs > prev.LastUpdateNs {
				s.series[name][meta.Fingerprint] = &meta
			}
			pkey := name + ":" + meta.Fingerprint
			for _, dp := range sp.Points {
				frame, err := codec.Encode(codec.SchemaDataPoint, &dp)
				if err != nil {
					return nil, err
				}
				s.bytesUsed.Add(int64(len(frame)))
				s.points[pkey] = append(s.points[pkey], pointEntry{
					score:    dp.TimestampNs,
					ingestNs: s.now().UnixNano(),
					frame:    frame,
				})
			}
		}
	}
	return result, nil
}

// intern records resources and scopes in the read-mostly intern tables.
func (s *Store) intern(resources []*models.Resource, scopes []*models.Scope) {
	if len(resources) == 0 && len(scopes) == 0 {
		return
	}
	s.internMu.Lock()
	defer s.internMu.Unlock()
	for _, r := range resources {
		if _, ok := s.resources[r.Ref]; !ok {
			s.resources[r.Ref] = r
		}
	}
	for _, sc := range scopes {
		if _, ok := s.scopes[sc.Ref]; !ok {
			s.scopes[sc.Ref] = sc
		}
	}
}

// RecentTraces returns trace summaries, most recent first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]*models.TraceSummary, error) {
	cutoff := s.cutoffNs()

	s.spansMu.RLock()
	// Walk the index from the newest end, deduplicating trace ids.
	seen := make(map[string]struct{})
	ids := make([]string, 0, limit)
	for i := len(s.traceIndex) - 1; i >= 0 && len(ids) < limit; i-- {
		e := s.traceIndex[i]
		if e.score < cutoff {
			continue
		}
		if _, dup := seen[e.key]; dup {
			continue
		}
		seen[e.key] = struct{}{}
		ids = append(ids, e.key)
	}
	s.spansMu.RUnlock()

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
	cutoff := s.cutoffNs()

	s.spansMu.RLock()
	keys := s.traceSpans[traceID]
	frames := make([][]byte, 0, len(keys))
	for _, key := range keys {
		entry, ok := s.spans[key]
		if !ok || entry.ingestNs < cutoff {
			continue
		}
		frames = append(frames, entry.frame)
	}
	s.spansMu.RUnlock()

	spans := make([]*models.Span, 0, len(frames))
	for _, frame := range frames {
		var sp models.Span
		if err := codec.Decode(frame, codec.SchemaSpan, &sp); err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("skipping undecodable span frame")
			continue
		}
		spans = append(spans, &sp)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].StartTimeNs < spans[j].StartTimeNs })
	return spans, nil
}

// RecentSpans returns recent spans, newest start time first.
func (s *Store) RecentSpans(ctx context.Context, service string, limit int) ([]*models.Span, error) {
	cutoff := s.cutoffNs()

	s.spansMu.RLock()
	index := s.spanIndex
	if service != "" {
		index = s.serviceSpans[service]
	}
	entries := make([]timeEntry, len(index))
	copy(entries, index)
	s.spansMu.RUnlock()

	// The index is ordered by arrival; senders may deliver out-of-order
	// start times, so sort by score before taking the newest.
	sort.Slice(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	spans := make([]*models.Span, 0, limit)
	for _, e := range entries {
		if len(spans) >= limit {
			break
		}
		s.spansMu.RLock()
		entry, ok := s.spans[e.key]
		s.spansMu.RUnlock()
		if !ok || entry.ingestNs < cutoff {
			continue
		}
		var sp models.Span
		if err := codec.Decode(entry.frame, codec.SchemaSpan, &sp); err != nil {
			continue
		}
		spans = append(spans, &sp)
	}
	return spans, nil
}

// Logs returns recent logs matching the query, newest first.
func (s *Store) Logs(ctx context.Context, q storage.LogQuery) ([]*models.LogRecord, error) {
	cutoff := s.cutoffNs()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	s.logsMu.RLock()
	var ids []string
	if q.TraceID != "" {
		ids = append(ids, s.traceLogs[q.TraceID]...)
	} else {
		entries := make([]timeEntry, len(s.logIndex))
		copy(entries, s.logIndex)
		sort.Slice(entries, func(i, j int) bool { return entries[i].score > entries[j].score })
		for _, e := range entries {
			ids = append(ids, e.key)
		}
	}
	frames := make([][]byte, 0, len(ids))
	for _, id := range ids {
		entry, ok := s.logs[id]
		if !ok || entry.ingestNs < cutoff {
			continue
		}
		frames = append(frames, entry.frame)
	}
	s.logsMu.RUnlock()

	logs := make([]*models.LogRecord, 0, limit)
	for _, frame := range frames {
		if len(logs) >= limit {
			break
		}
		var lr models.LogRecord
		if err := codec.Decode(frame, codec.SchemaLog, &lr); err != nil {
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
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()

	metas := make([]*models.MetricMeta, 0, len(s.metricMeta))
	for _, m := range s.metricMeta {
		copy := *m
		metas = append(metas, &copy)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// GetMetricMeta returns one catalog entry.
func (s *Store) GetMetricMeta(ctx context.Context, name string) (*models.MetricMeta, error) {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()

	m, ok := s.metricMeta[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	copy := *m
	return &copy, nil
}

// Series returns the series of a metric.
func (s *Store) Series(ctx context.Context, name string) ([]*models.SeriesMeta, error) {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()

	byFp, ok := s.series[name]
	if !ok {
		return nil, nil
	}
	out := make([]*models.SeriesMeta, 0, len(byFp))
	for _, sm := range byFp {
		copy := *sm
		out = append(out, &copy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

// Points returns the data points of a series within [startNs, endNs].
func (s *Store) Points(ctx context.Context, name, fingerprint string, startNs, endNs int64) ([]models.DataPoint, error) {
	cutoff := s.cutoffNs()

	s.metricsMu.RLock()
	entries := s.points[name+":"+fingerprint]
	frames := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.ingestNs < cutoff || e.score < startNs || e.score > endNs {
			continue
		}
		frames = append(frames, e.frame)
	}
	s.metricsMu.RUnlock()

	points := make([]models.DataPoint, 0, len(frames))
	for _, frame := range frames {
		var dp models.DataPoint
		if err := codec.Decode(frame, codec.SchemaDataPoint, &dp); err != nil {
			continue
		}
		points = append(points, dp)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].TimestampNs < points[j].TimestampNs })
	return points, nil
}

// GetResource resolves an interned resource ref.
func (s *Store) GetResource(ctx context.Context, ref string) (*models.Resource, error) {
	s.internMu.RLock()
	defer s.internMu.RUnlock()

	r, ok := s.resources[ref]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r, nil
}

// ListServices returns all service names seen in the window.
func (s *Store) ListServices(ctx context.Context) ([]string, error) {
	s.spansMu.RLock()
	defer s.spansMu.RUnlock()

	services := make([]string, 0, len(s.serviceSpans))
	for name := range s.serviceSpans {
		services = append(services, name)
	}
	sort.Strings(services)
	return services, nil
}

// CardinalityStats returns admission accounting.
func (s *Store) CardinalityStats(ctx context.Context) (*storage.CardinalityStats, error) {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()

	names := make([]string, 0, len(s.droppedNames))
	for n := range s.droppedNames {
		names = append(names, n)
	}
	sort.Strings(names)

	return &storage.CardinalityStats{
		Current:      len(s.metricMeta),
		Max:          s.cfg.MaxMetricCardinality,
		DroppedCount: s.droppedCount.Load(),
		DroppedNames: names,
	}, nil
}

// Stats returns store-wide counts.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	cutoff := s.cutoffNs()

	s.spansMu.RLock()
	traces := make(map[string]struct{})
	spanCount := 0
	for key, e := range s.spans {
		if e.ingestNs < cutoff {
			continue
		}
		spanCount++
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				traces[key[:i]] = struct{}{}
				break
			}
		}
	}
	s.spansMu.RUnlock()

	s.logsMu.RLock()
	logCount := 0
	for _, e := range s.logs {
		if e.ingestNs >= cutoff {
			logCount++
		}
	}
	s.logsMu.RUnlock()

	s.metricsMu.RLock()
	metricCount := len(s.metricMeta)
	dropped := s.droppedCount.Load()
	s.metricsMu.RUnlock()

	return &storage.Stats{
		Traces:         len(traces),
		Spans:          spanCount,
		Logs:           logCount,
		Metrics:        metricCount,
		MetricsMax:     s.cfg.MaxMetricCardinality,
		MetricsDropped: dropped,
		BytesUsed:      s.bytesUsed.Load(),
		MaxBytes:       s.cfg.MaxBytes,
	}, nil
}

// Close stops the TTL sweeper.
func (s *Store) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return nil
}

// sweepLoop reclaims expired records in the background so memory is returned
// even when nothing reads.
func (s *Store) sweepLoop() {
	defer close(s.sweepDone)

	interval := s.cfg.Retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired records and their index entries.
func (s *Store) sweep() {
	cutoff := s.cutoffNs()

	s.spansMu.Lock()
	for key, e := range s.spans {
		if e.ingestNs < cutoff {
			s.bytesUsed.Add(-int64(len(e.frame)))
			delete(s.spans, key)
		}
	}
	s.traceIndex = pruneIndex(s.traceIndex, cutoff)
	s.spanIndex = pruneKeyed(s.spanIndex, s.spans)
	for svc, entries := range s.serviceSpans {
		kept := pruneKeyed(entries, s.spans)
		if len(kept) == 0 {
			delete(s.serviceSpans, svc)
		} else {
			s.serviceSpans[svc] = kept
		}
	}
	for traceID, keys := range s.traceSpans {
		kept := keys[:0]
		for _, key := range keys {
			if _, ok := s.spans[key]; ok {
				kept = append(kept, key)
			}
		}
		if len(kept) == 0 {
			delete(s.traceSpans, traceID)
		} else {
			s.traceSpans[traceID] = kept
		}
	}
	s.spansMu.Unlock()

	s.logsMu.Lock()
	for id, e := range s.logs {
		if e.ingestNs < cutoff {
			s.bytesUsed.Add(-int64(len(e.frame)))
			delete(s.logs, id)
		}
	}
	kept := s.logIndex[:0]
	for _, e := range s.logIndex {
		if _, ok := s.logs[e.key]; ok {
			kept = append(kept, e)
		}
	}
	s.logIndex = kept
	for traceID, ids := range s.traceLogs {
		alive := ids[:0]
		for _, id := range ids {
			if _, ok := s.logs[id]; ok {
				alive = append(alive, id)
			}
		}
		if len(alive) == 0 {
			delete(s.traceLogs, traceID)
		} else {
			s.traceLogs[traceID] = alive
		}
	}
	s.logsMu.Unlock()

	s.metricsMu.Lock()
	for key, entries := range s.points {
		alive := entries[:0]
		for _, e := range entries {
			if e.ingestNs < cutoff {
				s.bytesUsed.Add(-int64(len(e.frame)))
				continue
			}
			alive = append(alive, e)
		}
		if len(alive) == 0 {
			delete(s.points, key)
		} else {
			s.points[key] = alive
		}
	}
	s.metricsMu.Unlock()
}

func pruneIndex(entries []timeEntry, cutoff int64) []timeEntry {
	kept := entries[:0]
	for _, e := range entries {
		if e.score >= cutoff {
			kept = append(kept, e)
		}
	}
	return kept
}

func pruneKeyed(entries []timeEntry, live map[string]frameEntry) []timeEntry {
	kept := entries[:0]
	for _, e := range entries {
		if _, ok := live[e.key]; ok {
			kept = append(kept, e)
		}
	}
	return kept
}
