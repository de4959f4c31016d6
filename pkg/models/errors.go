package models

import "errors"

var (
	// ErrNotFound is returned when a requested record is not present in the store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed OTLP payloads or failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedAttrType is returned when an attribute value is outside the
	// OTLP value schema. The offending attribute is dropped, the record is kept.
	ErrUnsupportedAttrType = errors.New("unsupported attribute type")

	// ErrMetricKindConflict is returned when a metric is re-registered with a
	// kind that differs from the one already recorded for the same name.
	ErrMetricKindConflict = errors.New("metric kind conflict")

	// ErrCardinalityExceeded is returned when the distinct metric name limit
	// has been reached and a new name is rejected.
	ErrCardinalityExceeded = errors.New("metric cardinality exceeded")

	// ErrOutOfCapacity is returned when the store memory bound is hit.
	// Ingress must apply backpressure.
	ErrOutOfCapacity = errors.New("store out of capacity")

	// ErrCorruptFrame is returned when a stored frame fails to decode.
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrSchemaMismatch is returned when a frame carries an unknown schema tag.
	ErrSchemaMismatch = errors.New("schema mismatch")
)
