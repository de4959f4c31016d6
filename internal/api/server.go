// Package api serves the query surface: traces, spans, logs, metrics, the
// aggregated views and store statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/internal/aggregate"
	"github.com/tinyolly/tinyolly/internal/config"
	"github.com/tinyolly/tinyolly/internal/storage"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// Pagination defaults per route family.
const (
	defaultTraceLimit = 50
	defaultSpanLimit  = 50
	defaultLogLimit   = 100
	maxLimit          = 1000
)

// Server is the query API server.
type Server struct {
	store       storage.Storage
	engine      *aggregate.Engine
	logger      zerolog.Logger
	selfService string
	startTime   time.Time

	router *chi.Mux
	server *http.Server
}

// NewServer creates the query API server.
func NewServer(cfg config.Config, store storage.Storage, engine *aggregate.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		store:       store,
		engine:      engine,
		logger:      logger,
		selfService: cfg.SelfServiceName,
		startTime:   time.Now(),
		router:      chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(config.DefaultRequestTimeout))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/traces", s.listTraces)
		r.Get("/traces/{id}", s.getTrace)
		r.Get("/spans", s.listSpans)
		r.Get("/logs", s.listLogs)
		r.Get("/metrics", s.listMetrics)
		r.Get("/metrics/{name}", s.getMetric)
		r.Get("/service-catalog", s.serviceCatalog)
		r.Get("/service-map", s.serviceMap)
		r.Get("/stats", s.stats)
	})
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    cfg.APIAddr,
		Handler: s.router,
	}
	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("query api listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func parseLimit(r *http.Request, def int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// listTraces returns the most recent traces, newest first.
func (s *Server) listTraces(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultTraceLimit)

	// Over-fetch so the self filter cannot shrink a full page.
	summaries, err := s.store.RecentTraces(r.Context(), limit*2)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]*models.TraceSummary, 0, limit)
	for _, ts := range summaries {
		if ts.ServiceName == s.selfService {
			continue
		}
		filtered = append(filtered, ts)
		if len(filtered) >= limit {
			break
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"traces": filtered})
}

// getTrace returns all spans of one trace ordered by start time.
func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "id")

	spans, err := s.store.GetTrace(r.Context(), traceID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(spans) == 0 {
		s.respondError(w, http.StatusNotFound, "trace not found")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"trace_id": traceID,
		"spans":    spans,
		"summary":  models.BuildTraceSummary(traceID, spans),
	})
}

// listSpans returns recent spans, optionally filtered by service.
func (s *Server) listSpans(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultSpanLimit)
	service := r.URL.Query().Get("service")

	fetch := limit
	if service == "" {
		fetch = limit * 2
	}
	spans, err := s.store.RecentSpans(r.Context(), service, fetch)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]*models.Span, 0, limit)
	for _, sp := range spans {
		if sp.ServiceName == s.selfService {
			continue
		}
		filtered = append(filtered, sp)
		if len(filtered) >= limit {
			break
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"spans": filtered})
}

// listLogs returns recent logs with optional trace and severity filters.
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := storage.LogQuery{
		TraceID:  r.URL.Query().Get("trace_id"),
		Severity: r.URL.Query().Get("severity"),
		Limit:    parseLimit(r, defaultLogLimit),
	}

	logs, err := s.store.Logs(r.Context(), q)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filtered := make([]*models.LogRecord, 0, len(logs))
	for _, lr := range logs {
		if lr.ServiceName == s.selfService {
			continue
		}
		filtered = append(filtered, lr)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"logs": filtered})
}

// listMetrics returns the metric catalog.
func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.ListMetricMeta(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"metrics": metas})
}

// seriesView is one series in the metric detail response.
type seriesView struct {
	*models.SeriesMeta
	Points []models.DataPoint `json:"points,omitempty"`
}

// getMetric returns one metric: catalog entry, series (optionally filtered
// by resource.* query params, optionally with points) and its cardinality
// analysis.
func (s *Server) getMetric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	meta, err := s.store.GetMetricMeta(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "metric not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	series, err := s.store.Series(ctx, name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resourceFilters := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 && len(key) > len("resource.") && key[:len("resource.")] == "resource." {
			resourceFilters[key[len("resource."):]] = values[0]
		}
	}

	withPoints := r.URL.Query().Get("points") == "true"
	startNs := parseInt64(r.URL.Query().Get("start_ns"), 0)
	endNs := parseInt64(r.URL.Query().Get("end_ns"), time.Now().UnixNano())

	views := make([]*seriesView, 0, len(series))
	for _, sm := range series {
		if !s.matchResource(ctx, sm.ResourceRef, resourceFilters) {
			continue
		}
		view := &seriesView{SeriesMeta: sm}
		if withPoints {
			points, err := s.store.Points(ctx, name, sm.Fingerprint, startNs, endNs)
			if err != nil {
				s.respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			view.Points = points
		}
		views = append(views, view)
	}

	cardinality, err := s.engine.Cardinality(ctx, name)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"meta":        meta,
		"series":      views,
		"cardinality": cardinality,
	})
}

// matchResource reports whether the series' resource satisfies every filter.
func (s *Server) matchResource(ctx context.Context, ref string, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	res, err := s.store.GetResource(ctx, ref)
	if err != nil {
		return false
	}
	for key, want := range filters {
		if res.Attributes.GetString(key) != want {
			return false
		}
	}
	return true
}

func (s *Server) serviceCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.engine.ServiceCatalog(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"services": catalog})
}

func (s *Server) serviceMap(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, maxLimit)
	m, err := s.engine.ServiceMap(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

// stats returns store counts, cardinality accounting and uptime.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	card, err := s.store.CardinalityStats(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"cardinality":    card,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func parseInt64(v string, def int64) int64 {
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
