package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/tinyolly/tinyolly/internal/selfmetrics"
	"github.com/tinyolly/tinyolly/pkg/models"
)

// GRPCReceiver serves the three OTLP export services on one gRPC server.
type GRPCReceiver struct {
	colmetricspb.UnimplementedMetricsServiceServer
	ingester *Ingester
	logger   zerolog.Logger
	server   *grpc.Server
	addr     string
	maxBytes int64
}

// NewGRPCReceiver creates the gRPC transport.
func NewGRPCReceiver(addr string, maxBytes int64, ingester *Ingester, logger zerolog.Logger) *GRPCReceiver {
	return &GRPCReceiver{
		ingester: ingester,
		logger:   logger,
		addr:     addr,
		maxBytes: maxBytes,
	}
}

// Start listens and serves until Shutdown.
func (r *GRPCReceiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	r.server = grpc.NewServer(grpc.MaxRecvMsgSize(int(r.maxBytes)))

	// Register OTLP services with wrapper types to avoid method name conflicts
	colmetricspb.RegisterMetricsServiceServer(r.server, r)
	coltracepb.RegisterTraceServiceServer(r.server, &traceService{GRPCReceiver: r})
	collogspb.RegisterLogsServiceServer(r.server, &logsService{GRPCReceiver: r})

	// Reflection supports ad hoc debugging with grpcurl.
	reflection.Register(r.server)

	r.logger.Info().Str("addr", r.addr).Msg("otlp grpc listening")
	return r.server.Serve(lis)
}

// Shutdown gracefully stops the server.
func (r *GRPCReceiver) Shutdown(ctx context.Context) error {
	if r.server != nil {
		r.server.GracefulStop()
	}
	return nil
}

// grpcIngestError maps pipeline failures onto gRPC status codes. Capacity
// exhaustion asks the client to back off and retry.
func (r *GRPCReceiver) grpcIngestError(err error) error {
	if errors.Is(err, models.ErrOutOfCapacity) {
		return status.Errorf(codes.Unavailable, "store at capacity, retry in %s", r.ingester.RetryAfter())
	}
	if errors.Is(err, models.ErrInvalidInput) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Export implements the MetricsService Export RPC.
func (r *GRPCReceiver) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	rejected, err := r.ingester.Metrics(ctx, req.GetResourceMetrics())
	if err != nil {
		selfmetrics.ExportRequests.WithLabelValues("grpc", "metrics", "error").Inc()
		return nil, r.grpcIngestError(err)
	}
	selfmetrics.ExportRequests.WithLabelValues("grpc", "metrics", "ok").Inc()

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
			RejectedDataPoints: rejected,
			ErrorMessage:       "some data points were rejected",
		}
	}
	return resp, nil
}

// TraceService implementation - uses separate type to avoid method name conflicts
type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	*GRPCReceiver
}

// Export implements the TraceService Export RPC.
func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	rejected, err := s.ingester.Traces(ctx, req.GetResourceSpans())
	if err != nil {
		selfmetrics.ExportRequests.WithLabelValues("grpc", "traces", "error").Inc()
		return nil, s.grpcIngestError(err)
	}
	selfmetrics.ExportRequests.WithLabelValues("grpc", "traces", "ok").Inc()

	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  "some spans were rejected",
		}
	}
	return resp, nil
}

// LogsService implementation - uses separate type to avoid method name conflicts
type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	*GRPCReceiver
}

// Export implements the LogsService Export RPC.
func (s *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	rejected, err := s.ingester.Logs(ctx, req.GetResourceLogs())
	if err != nil {
		selfmetrics.ExportRequests.WithLabelValues("grpc", "logs", "error").Inc()
		return nil, s.grpcIngestError(err)
	}
	selfmetrics.ExportRequests.WithLabelValues("grpc", "logs", "ok").Inc()

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: rejected,
			ErrorMessage:       "some log records were rejected",
		}
	}
	return resp, nil
}
