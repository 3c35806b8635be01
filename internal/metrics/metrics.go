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

	// MessagesTotal counts persisted messages by payload kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"kind"},
	)

	// MessageMutationsTotal counts pin, unpin, edit, delete and read operations.
	MessageMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_mutations_total",
			Help: "Total message state mutations",
		},
		[]string{"op", "result"},
	)

	// EventsDelivered counts realtime events handed to a live connection.
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Realtime events delivered to a live connection",
		},
		[]string{"type"},
	)

	// EventsDropped counts realtime events lost because the target was offline or slow.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Realtime events dropped",
		},
		[]string{"type", "reason"},
	)

	// WSConnectionsActive tracks open websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// OnlineUsers tracks the size of the presence set.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "online_users",
			Help: "Number of users with a registered connection",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordMutation records the outcome of a message mutation.
func RecordMutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MessageMutationsTotal.WithLabelValues(op, result).Inc()
}
