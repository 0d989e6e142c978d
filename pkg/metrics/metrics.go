// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StoreOperationDuration tracks registry calls into the stores.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_store_operation_duration_seconds",
			Help:    "Duration of conversation store and message log operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op", "status"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SubscriptionsActive tracks open change-feed subscriptions.
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Number of open realtime subscriptions",
		},
		[]string{"feed"},
	)

	// MalformedRecordsTotal counts records skipped by the decoder.
	MalformedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_malformed_records_total",
			Help: "Fetched records that failed validation and were skipped",
		},
		[]string{"kind"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks messages persisted, by sender role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"role"},
	)

	// CounterResetsTotal tracks unread counter resets, by viewer role.
	CounterResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_unread_resets_total",
			Help: "Unread counter resets on conversation open",
		},
		[]string{"role"},
	)

	// SendOutcomesTotal tracks the final outcome of optimistic sends.
	SendOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_send_outcomes_total",
			Help: "Final outcome of optimistic sends",
		},
		[]string{"outcome"},
	)

	// SendAttemptsTotal tracks persistence attempts including retries.
	SendAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_attempts_total",
			Help: "Persistence attempts made by the send pipeline",
		},
	)

	// ModerationVerdictsTotal tracks moderation decisions.
	ModerationVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_moderation_verdicts_total",
			Help: "Moderation decisions on outgoing messages",
		},
		[]string{"policy", "decision"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreOperation records the duration and outcome of a store call.
func RecordStoreOperation(op string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(op, status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
