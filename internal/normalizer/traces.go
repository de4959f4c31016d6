package normalizer

import (
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// TraceBatch is the normalized form of one trace export request.
type TraceBatch struct {
	Resources []*models.Resource
	Scopes    []*models.Scope
	Spans     []*models.Span

	// Rejected counts spans dropped by validation; DroppedAttrs counts
	// attributes dropped during value conversion.
	Rejected     int
	DroppedAttrs int
}

// Traces normalizes an OTLP trace payload. Invalid spans are dropped and
// counted, never failing the batch.
func (n *Normalizer) Traces(resourceSpans []*tracepb.ResourceSpans) *TraceBatch {
	batch := &TraceBatch{}
	interns := newInternSet()
	ingestNs := n.now().UnixNano()

	for _, rs := range resourceSpans {
		res, dropped := interns.resource(rs.GetResource())
		batch.DroppedAttrs += dropped
		serviceName := res.ServiceName()

		for _, ss := range rs.GetScopeSpans() {
			scope := interns.scope(ss.GetScope())

			for _, sp := range ss.GetSpans() {
				span, dropped, ok := n.span(sp, res, scope, serviceName, ingestNs)
				batch.DroppedAttrs += dropped
				if !ok {
					batch.Rejected++
					continue
				}
				batch.Spans = append(batch.Spans, span)
			}
		}
	}

	batch.Resources = interns.resourceList()
	batch.Scopes = interns.scopeList()
	return batch
}

func (n *Normalizer) span(sp *tracepb.Span, res *models.Resource, scope *models.Scope, serviceName string, ingestNs int64) (*models.Span, int, bool) {
	traceID, ok := hexID(sp.GetTraceId(), traceIDLen)
	if !ok {
		return nil, 0, false
	}
	spanID, ok := hexID(sp.GetSpanId(), spanIDLen)
	if !ok {
		return nil, 0, false
	}
	parentID, ok := optionalHexID(sp.GetParentSpanId(), spanIDLen)
	if !ok {
		return nil, 0, false
	}

	startNs := int64(sp.GetStartTimeUnixNano())
	endNs := int64(sp.GetEndTimeUnixNano())
	if startNs > endNs {
		return nil, 0, false
	}

	attrs, dropped := models.AttributesFromProto(sp.GetAttributes())

	events := make([]models.SpanEvent, 0, len(sp.GetEvents()))
	for _, ev := range sp.GetEvents() {
		evAttrs, d := models.AttributesFromProto(ev.GetAttributes())
		dropped += d
		events = append(events, models.SpanEvent{
			Name:        ev.GetName(),
			TimestampNs: int64(ev.GetTimeUnixNano()),
			Attributes:  evAttrs,
		})
	}

	var links []models.SpanLink
	for _, ln := range sp.GetLinks() {
		linkTrace, ok := hexID(ln.GetTraceId(), traceIDLen)
		if !ok {
			continue
		}
		linkSpan, ok := hexID(ln.GetSpanId(), spanIDLen)
		if !ok {
			continue
		}
		lnAttrs, d := models.AttributesFromProto(ln.GetAttributes())
		dropped += d
		links = append(links, models.SpanLink{
			TraceID:    linkTrace,
			SpanID:     linkSpan,
			Attributes: lnAttrs,
		})
	}

	return &models.Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentID,
		Name:         sp.GetName(),
		Kind:         spanKindName(sp.GetKind()),
		StartTimeNs:  startNs,
		EndTimeNs:    endNs,
		Status: models.SpanStatus{
			Code:    statusCodeName(sp.GetStatus().GetCode()),
			Message: sp.GetStatus().GetMessage(),
		},
		Attributes:   attrs,
		Events:       events,
		Links:        links,
		ResourceRef:  res.Ref,
		ScopeRef:     scope.Ref,
		ServiceName:  serviceName,
		IngestTimeNs: ingestNs,
	}, dropped, true
}

func spanKindName(kind tracepb.Span_SpanKind) string {
	switch kind {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return "INTERNAL"
	case tracepb.Span_SPAN_KIND_SERVER:
		return "SERVER"
	case tracepb.Span_SPAN_KIND_CLIENT:
		return "CLIENT"
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return "PRODUCER"
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return "CONSUMER"
	default:
		return "UNSPECIFIED"
	}
}

func statusCodeName(code tracepb.Status_StatusCode) string {
	switch code {
	case tracepb.Status_STATUS_CODE_OK:
		return "OK"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "ERROR"
	default:
		return "UNSET"
	}
}
