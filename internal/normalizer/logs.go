package normalizer

import (
	"github.com/google/uuid"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// LogBatch is the normalized form of one log export request.
type LogBatch struct {
	Resources []*models.Resource
	Scopes    []*models.Scope
	Logs      []*models.LogRecord

	Rejected     int
	DroppedAttrs int
}

// Logs normalizes an OTLP log payload. Records without a timestamp get the
// ingest time; records with malformed correlation identifiers are dropped.
func (n *Normalizer) Logs(resourceLogs []*logspb.ResourceLogs) *LogBatch {
	batch := &LogBatch{}
	interns := newInternSet()
	ingestNs := n.now().UnixNano()

	for _, rl := range resourceLogs {
		res, dropped := interns.resource(rl.GetResource())
		batch.DroppedAttrs += dropped
		serviceName := res.ServiceName()

		for _, sl := range rl.GetScopeLogs() {
			scope := interns.scope(sl.GetScope())

			for _, lr := range sl.GetLogRecords() {
				traceID, ok := optionalHexID(lr.GetTraceId(), traceIDLen)
				if !ok {
					batch.Rejected++
					continue
				}
				spanID, ok := optionalHexID(lr.GetSpanId(), spanIDLen)
				if !ok {
					batch.Rejected++
					continue
				}

				attrs, d := models.AttributesFromProto(lr.GetAttributes())
				batch.DroppedAttrs += d

				tsNs := int64(lr.GetTimeUnixNano())
				if tsNs == 0 {
					tsNs = int64(lr.GetObservedTimeUnixNano())
				}
				if tsNs == 0 {
					tsNs = ingestNs
				}

				severityText := lr.GetSeverityText()
				severityNumber := int32(lr.GetSeverityNumber())
				if severityText == "" {
					severityText = models.SeverityName(severityNumber)
				}

				body := ""
				if bv := lr.GetBody(); bv != nil {
					if av, err := models.AttrValueFromProto(bv); err == nil {
						body = av.AsString()
					}
				}

				batch.Logs = append(batch.Logs, &models.LogRecord{
					LogID:          uuid.NewString(),
					TimestampNs:    tsNs,
					SeverityText:   severityText,
					SeverityNumber: severityNumber,
					Body:           body,
					Attributes:     attrs,
					TraceID:        traceID,
					SpanID:         spanID,
					ResourceRef:    res.Ref,
					ScopeRef:       scope.Ref,
					ServiceName:    serviceName,
					IngestTimeNs:   ingestNs,
				})
			}
		}
	}

	batch.Resources = interns.resourceList()
	batch.Scopes = interns.scopeList()
	return batch
}
