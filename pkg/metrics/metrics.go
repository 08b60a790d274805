// Package metrics exposes the engine's Prometheus instrumentation.
// All metrics are registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsFetched counts raw records pulled from sources.
	RecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "records_fetched_total",
		Help:      "Raw records fetched from source APIs.",
	}, []string{"connector", "entity_type"})

	// RecordsStored counts normalized records committed to the store.
	RecordsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "records_stored_total",
		Help:      "Normalized records committed to the store.",
	}, []string{"connector", "entity_type"})

	// RecordsFailed counts per-record transform and persistence failures.
	RecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "records_failed_total",
		Help:      "Records dropped by transform or persistence failures.",
	}, []string{"connector", "entity_type", "reason"})

	// SyncDuration observes wall time per sync run.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncengine",
		Name:      "sync_duration_seconds",
		Help:      "Duration of full sync runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"connector", "mode"})

	// RateLimitWaits observes time spent blocked in the rate limiter.
	RateLimitWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncengine",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for rate limiter slots.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"connector"})

	// Retries counts HTTP retry attempts by error class.
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "http_retries_total",
		Help:      "HTTP request retries by error type.",
	}, []string{"error_type"})

	// DriftFindings counts raised or refreshed schema drift findings.
	DriftFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Name:      "drift_findings_total",
		Help:      "Schema drift findings raised or refreshed.",
	}, []string{"connector"})
)
