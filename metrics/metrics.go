// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks lifecycle operations by outcome kind.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigflow_operation_duration_seconds",
			Help:    "Duration of lifecycle operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "outcome"},
	)

	// OperationConflicts counts operations that lost a race or hit a guard.
	OperationConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigflow_operation_conflicts_total",
			Help: "Lifecycle operations rejected with conflict or precondition_failed",
		},
		[]string{"operation", "kind"},
	)

	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigflow_ledger_entries_total",
			Help: "Ledger entries appended",
		},
		[]string{"type", "direction"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigflow_notification_failures_total",
			Help: "Notification deliveries that failed",
		},
		[]string{"sink", "type"},
	)

	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigflow_outbox_relayed_total",
			Help: "Outbox rows processed by the relay",
		},
		[]string{"status"},
	)

	CacheUpdateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gigflow_cache_update_failures_total",
			Help: "Best-effort profile cache updates that failed after commit",
		},
		[]string{"field"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigflow_db_query_duration_seconds",
			Help:    "Database statement duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"verb", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gigflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveOperation records one lifecycle operation. outcome is "ok" or the
// error kind reported by the caller.
func ObserveOperation(operation, outcome string, elapsed time.Duration) {
	OperationDuration.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
	if outcome == "conflict" || outcome == "precondition_failed" {
		OperationConflicts.WithLabelValues(operation, outcome).Inc()
	}
}

func ObserveQuery(verb string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DBQueryDuration.WithLabelValues(verb, status).Observe(elapsed.Seconds())
}

func RecordLedgerEntry(entryType, direction string) {
	LedgerEntries.WithLabelValues(entryType, direction).Inc()
}

func RecordNotificationFailure(sink, notificationType string) {
	NotificationFailures.WithLabelValues(sink, notificationType).Inc()
}

func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, statusClass(status)).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
