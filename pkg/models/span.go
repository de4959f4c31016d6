package models

// Resource describes the telemetry producer. Identified by a content hash
// over its sorted attributes and immutable once interned.
type Resource struct {
	Ref        string     `msgpack:"ref" json:"ref"`
	Attributes Attributes `msgpack:"attributes" json:"attributes"`
}

// NewResource interns the attribute set and returns the resource record.
func NewResource(attrs Attributes) *Resource {
	return &Resource{Ref: Fingerprint(attrs), Attributes: attrs}
}

// ServiceName returns the service.name resource attribute, falling back to
// host.name and then "unknown".
func (r *Resource) ServiceName() string {
	if name := r.Attributes.GetString("service.name"); name != "" {
		return name
	}
	if name := r.Attributes.GetString("host.name"); name != "" {
		return name
	}
	return "unknown"
}

// Scope is an instrumentation library identity.
type Scope struct {
	Ref     string `msgpack:"ref" json:"ref"`
	Name    string `msgpack:"name" json:"name"`
	Version string `msgpack:"version" json:"version"`
}

// NewScope interns the scope identity.
func NewScope(name, version string) *Scope {
	return &Scope{Ref: ScopeRef(name, version), Name: name, Version: version}
}

// SpanStatus carries the OTLP span status.
type SpanStatus struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
}

// SpanEvent is a timed annotation on a span.
type SpanEvent struct {
	Name        string     `msgpack:"name" json:"name"`
	TimestampNs int64      `msgpack:"timestamp_ns" json:"timestamp_ns"`
	Attributes  Attributes `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
}

// SpanLink references another span, possibly in another trace.
type SpanLink struct {
	TraceID    string     `msgpack:"trace_id" json:"trace_id"`
	SpanID     string     `msgpack:"span_id" json:"span_id"`
	Attributes Attributes `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
}

// Span is a timed unit of work within a trace. Identifiers are hex strings;
// all times are nanoseconds since the Unix epoch.
type Span struct {
	TraceID      string      `msgpack:"trace_id" json:"trace_id"`
	SpanID       string      `msgpack:"span_id" json:"span_id"`
	ParentSpanID string      `msgpack:"parent_span_id,omitempty" json:"parent_span_id,omitempty"`
	Name         string      `msgpack:"name" json:"name"`
	Kind         string      `msgpack:"kind" json:"kind"`
	StartTimeNs  int64       `msgpack:"start_time_ns" json:"start_time_ns"`
	EndTimeNs    int64       `msgpack:"end_time_ns" json:"end_time_ns"`
	Status       SpanStatus  `msgpack:"status" json:"status"`
	Attributes   Attributes  `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
	Events       []SpanEvent `msgpack:"events,omitempty" json:"events,omitempty"`
	Links        []SpanLink  `msgpack:"links,omitempty" json:"links,omitempty"`
	ResourceRef  string      `msgpack:"resource_ref" json:"resource_ref"`
	ScopeRef     string      `msgpack:"scope_ref" json:"scope_ref"`
	ServiceName  string      `msgpack:"service_name" json:"service_name"`
	IngestTimeNs int64       `msgpack:"ingest_time_ns" json:"ingest_time_ns"`
}

// DurationNs returns end - start. Records honor start <= end.
func (s *Span) DurationNs() int64 {
	return s.EndTimeNs - s.StartTimeNs
}

// TraceSummary is the derived per-trace view keyed by trace_id.
type TraceSummary struct {
	TraceID            string     `json:"trace_id"`
	SpanCount          int        `json:"span_count"`
	DurationMs         float64    `json:"duration_ms"`
	StartTimeNs        int64      `json:"start_time_ns"`
	ServiceName        string     `json:"service_name"`
	RootSpanName       string     `json:"root_span_name"`
	RootSpanMethod     string     `json:"root_span_method,omitempty"`
	RootSpanRoute      string     `json:"root_span_route,omitempty"`
	RootSpanStatusCode string     `json:"root_span_status_code,omitempty"`
	RootSpanStatus     SpanStatus `json:"root_span_status"`
}

// BuildTraceSummary derives the trace view from its member spans. The root is
// the earliest span whose parent is absent or not present in the trace.
func BuildTraceSummary(traceID string, spans []*Span) *TraceSummary {
	if len(spans) == 0 {
		return nil
	}

	present := make(map[string]struct{}, len(spans))
	for _, s := range spans {
		present[s.SpanID] = struct{}{}
	}

	var root *Span
	minStart := spans[0].StartTimeNs
	maxEnd := spans[0].EndTimeNs
	for _, s := range spans {
		if s.StartTimeNs < minStart {
			minStart = s.StartTimeNs
		}
		if s.EndTimeNs > maxEnd {
			maxEnd = s.EndTimeNs
		}
		_, parentPresent := present[s.ParentSpanID]
		if s.ParentSpanID == "" || !parentPresent {
			if root == nil || s.StartTimeNs < root.StartTimeNs {
				root = s
			}
		}
	}
	if root == nil {
		root = spans[0]
	}

	durationNs := maxEnd - minStart
	if durationNs < 0 {
		durationNs = 0
	}

	return &TraceSummary{
		TraceID:            traceID,
		SpanCount:          len(spans),
		DurationMs:         float64(durationNs) / 1e6,
		StartTimeNs:        minStart,
		ServiceName:        root.ServiceName,
		RootSpanName:       root.Name,
		RootSpanMethod:     firstAttr(root.Attributes, "http.method", "http.request.method"),
		RootSpanRoute:      firstAttr(root.Attributes, "http.route", "http.target", "url.path"),
		RootSpanStatusCode: firstAttr(root.Attributes, "http.status_code", "http.response.status_code"),
		RootSpanStatus:     root.Status,
	}
}

// firstAttr returns the first present attribute among keys, rendered as string.
func firstAttr(attrs Attributes, keys ...string) string {
	for _, key := range keys {
		if attrs.Has(key) {
			return attrs.GetString(key)
		}
	}
	return ""
}
