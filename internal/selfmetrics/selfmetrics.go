// Package selfmetrics exposes the core's own prometheus counters, served on
// the query API's /metrics endpoint.
package selfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReceivedRecords counts records accepted into the store per signal.
	ReceivedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyolly_received_records_total",
		Help: "Records accepted into the store.",
	}, []string{"signal"})

	// RejectedRecords counts records dropped before storage.
	RejectedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyolly_rejected_records_total",
		Help: "Records rejected during normalization or admission.",
	}, []string{"signal", "reason"})

	// DroppedAttributes counts attributes lost in value conversion.
	DroppedAttributes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyolly_dropped_attributes_total",
		Help: "Attributes dropped during normalization.",
	}, []string{"signal"})

	// ExportRequests counts OTLP export requests by transport and outcome.
	ExportRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinyolly_export_requests_total",
		Help: "OTLP export requests.",
	}, []string{"transport", "signal", "outcome"})
)

// Rejection reasons.
const (
	ReasonValidation   = "validation"
	ReasonCardinality  = "cardinality"
	ReasonKindConflict = "kind_conflict"
	ReasonCapacity     = "capacity"
)
