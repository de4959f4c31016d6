package receiver

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/tinyolly/tinyolly/internal/selfmetrics"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// HTTPReceiver serves OTLP/HTTP on /v1/{traces,logs,metrics}.
type HTTPReceiver struct {
	ingester *Ingester
	logger   zerolog.Logger
	server   *http.Server
	maxBytes int64
}

// NewHTTPReceiver creates the HTTP transport.
func NewHTTPReceiver(addr string, maxBytes int64, ingester *Ingester, logger zerolog.Logger) *HTTPReceiver {
	r := &HTTPReceiver{
		ingester: ingester,
		logger:   logger,
		maxBytes: maxBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", r.handleTraces)
	mux.HandleFunc("/v1/logs", r.handleLogs)
	mux.HandleFunc("/v1/metrics", r.handleMetrics)
	mux.HandleFunc("/health", r.handleHealth)

	r.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return r
}

// Start serves until Shutdown.
func (r *HTTPReceiver) Start() error {
	r.logger.Info().Str("addr", r.server.Addr).Msg("otlp http listening")
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *HTTPReceiver) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// readBody reads the request body, honoring gzip encoding and the request
// size limit.
func (r *HTTPReceiver) readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	var reader io.ReadCloser = http.MaxBytesReader(w, req.Body, r.maxBytes)
	defer reader.Close()

	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

// parseRequest decodes the body as protobuf first (the OTLP default), then
// falls back to OTLP/JSON.
func parseRequest(body []byte, msg proto.Message) error {
	if err := proto.Unmarshal(body, msg); err != nil {
		unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}
		if jsonErr := unmarshaler.Unmarshal(body, msg); jsonErr != nil {
			return fmt.Errorf("protobuf error: %v, json error: %v", err, jsonErr)
		}
	}
	return nil
}

// prepare validates the method and decodes the export request; it writes the
// error response itself and reports success via the bool.
func (r *HTTPReceiver) prepare(w http.ResponseWriter, req *http.Request, signal string, msg proto.Message) bool {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	body, err := r.readBody(w, req)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			selfmetrics.ExportRequests.WithLabelValues("http", signal, "too_large").Inc()
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, fmt.Sprintf("Failed to read body: %v", err), http.StatusBadRequest)
		return false
	}

	if err := parseRequest(body, msg); err != nil {
		r.logger.Debug().Err(err).Str("signal", signal).Msg("unparseable export request")
		selfmetrics.ExportRequests.WithLabelValues("http", signal, "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// writeIngestError maps pipeline failures onto HTTP statuses. Capacity
// exhaustion responds 503 with a Retry-After hint.
func (r *HTTPReceiver) writeIngestError(w http.ResponseWriter, signal string, err error) {
	selfmetrics.ExportRequests.WithLabelValues("http", signal, "error").Inc()
	if errors.Is(err, models.ErrOutOfCapacity) {
		w.Header().Set("Retry-After", strconv.Itoa(int(r.ingester.RetryAfter().Seconds())))
		http.Error(w, "Store at capacity", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, fmt.Sprintf("Failed to store records: %v", err), http.StatusInternalServerError)
}

func (r *HTTPReceiver) handleTraces(w http.ResponseWriter, req *http.Request) {
	var exportReq coltracepb.ExportTraceServiceRequest
	if !r.prepare(w, req, "traces", &exportReq) {
		return
	}

	rejected, err := r.ingester.Traces(req.Context(), exportReq.GetResourceSpans())
	if err != nil {
		r.writeIngestError(w, "traces", err)
		return
	}
	selfmetrics.ExportRequests.WithLabelValues("http", "traces", "ok").Inc()

	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  "some spans were rejected",
		}
	}
	r.writeResponse(w, resp)
}

func (r *HTTPReceiver) handleLogs(w http.ResponseWriter, req *http.Request) {
	var exportReq collogspb.ExportLogsServiceRequest
	if !r.prepare(w, req, "logs", &exportReq) {
		return
	}

	rejected, err := r.ingester.Logs(req.Context(), exportReq.GetResourceLogs())
	if err != nil {
		r.writeIngestError(w, "logs", err)
		return
	}
	selfmetrics.ExportRequests.WithLabelValues("http", "logs", "ok").Inc()

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: rejected,
			ErrorMessage:       "some log records were rejected",
		}
	}
	r.writeResponse(w, resp)
}

func (r *HTTPReceiver) handleMetrics(w http.ResponseWriter, req *http.Request) {
	var exportReq colmetricspb.ExportMetricsServiceRequest
	if !r.prepare(w, req, "metrics", &exportReq) {
		return
	}

	rejected, err := r.ingester.Metrics(req.Context(), exportReq.GetResourceMetrics())
	if err != nil {
		r.writeIngestError(w, "metrics", err)
		return
	}
	selfmetrics.ExportRequests.WithLabelValues("http", "metrics", "ok").Inc()

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
			RejectedDataPoints: rejected,
			ErrorMessage:       "some data points were rejected",
		}
	}
	r.writeResponse(w, resp)
}

func (r *HTTPReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// writeResponse writes a protobuf response. OTLP always responds protobuf.
func (r *HTTPReceiver) writeResponse(w http.ResponseWriter, resp proto.Message) {
	respBytes, err := proto.Marshal(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(respBytes)
}
