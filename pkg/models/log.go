package models

// LogRecord is a single log entry, optionally correlated to a span.
type LogRecord struct {
	LogID          string     `msgpack:"log_id" json:"log_id"`
	TimestampNs    int64      `msgpack:"timestamp_ns" json:"timestamp_ns"`
	SeverityText   string     `msgpack:"severity_text" json:"severity_text"`
	SeverityNumber int32      `msgpack:"severity_number" json:"severity_number"`
	Body           string     `msgpack:"body" json:"body"`
	Attributes     Attributes `msgpack:"attributes,omitempty" json:"attributes,omitempty"`
	TraceID        string     `msgpack:"trace_id,omitempty" json:"trace_id,omitempty"`
	SpanID         string     `msgpack:"span_id,omitempty" json:"span_id,omitempty"`
	ResourceRef    string     `msgpack:"resource_ref" json:"resource_ref"`
	ScopeRef       string     `msgpack:"scope_ref" json:"scope_ref"`
	ServiceName    string     `msgpack:"service_name" json:"service_name"`
	IngestTimeNs   int64      `msgpack:"ingest_time_ns" json:"ingest_time_ns"`
}

// SeverityName maps an OTLP severity number to its canonical name.
// Ranges per the OpenTelemetry log data model: 1-4 TRACE, 5-8 DEBUG,
// 9-12 INFO, 13-16 WARN, 17-20 ERROR, 21-24 FATAL.
func SeverityName(number int32) string {
	switch {
	case number >= 1 && number <= 4:
		return "TRACE"
	case number >= 5 && number <= 8:
		return "DEBUG"
	case number >= 9 && number <= 12:
		return "INFO"
	case number >= 13 && number <= 16:
		return "WARN"
	case number >= 17 && number <= 20:
		return "ERROR"
	case number >= 21 && number <= 24:
		return "FATAL"
	default:
		return "UNSET"
	}
}
