// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResidentDocuments tracks how many document replicas are held in memory.
	ResidentDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "resident_documents",
		Help:      "Number of document replicas currently resident in memory.",
	})

	// AttachedSessions tracks live sessions across all documents.
	AttachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "attached_sessions",
		Help:      "Number of sessions currently attached to documents.",
	})

	// UpdatesApplied counts incremental updates merged into replicas.
	UpdatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_applied_total",
		Help:      "Incremental document updates applied.",
	})

	// UpdatesRejected counts updates refused before application, by reason.
	UpdatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_rejected_total",
		Help:      "Incremental document updates rejected.",
	}, []string{"reason"})

	// Evictions counts documents released after their grace period expired.
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "document_evictions_total",
		Help:      "Documents evicted from memory after going idle.",
	})

	// PersistFailures counts failed attempts to flush a document to storage.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "persist_failures_total",
		Help:      "Failed attempts to persist document state.",
	})
)

// Rejection reasons used with UpdatesRejected.
const (
	ReasonRateLimited = "rate_limited"
	ReasonReadOnly    = "read_only"
	ReasonMalformed   = "malformed"
)
