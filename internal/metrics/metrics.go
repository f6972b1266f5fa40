package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for chatwatch
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Remote API metrics
	RemoteRequestsTotal   *prometheus.CounterVec
	RemoteRequestDuration *prometheus.HistogramVec
	CircuitBreakerState   *prometheus.GaugeVec

	// Subscription lifecycle metrics
	SubscriptionOperations *prometheus.CounterVec
	SubscriptionsActive    prometheus.Gauge
	OwnersActive           prometheus.Gauge

	// Cache metrics
	StorageOperations        *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	DBSize                   prometheus.Gauge

	// Connection metrics
	ConnectionState       prometheus.Gauge
	ConnectionTransitions *prometheus.CounterVec
	EnvelopesTotal        *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTicks    *prometheus.CounterVec
	SchedulerInterval prometheus.Gauge

	// Dispatch and relay metrics
	EventsDispatched          *prometheus.CounterVec
	HandlerPanics             *prometheus.CounterVec
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_api_requests_total",
			Help: "Total number of operator API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwatch_api_request_duration_seconds",
			Help:    "Operator API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "route"},
	)

	m.RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_remote_requests_total",
			Help: "Total number of remote API requests",
		},
		[]string{"method", "status"},
	)

	m.RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwatch_remote_request_duration_seconds",
			Help:    "Remote API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
		[]string{"method"},
	)

	m.CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatwatch_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	m.SubscriptionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_subscription_operations_total",
			Help: "Subscription create, renew and delete operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_subscriptions_active",
			Help: "Number of subscriptions held by tracked owners",
		},
	)

	m.OwnersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_owners_active",
			Help: "Number of owners tracked by the lifecycle controller",
		},
	)

	m.StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwatch_storage_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // from 0.1ms to ~1.6s
		},
		[]string{"operation"},
	)

	m.DBSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_db_size_bytes",
			Help: "Size of the database in bytes",
		},
	)

	m.ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_connection_state",
			Help: "Streaming connection state (0 absent, 1 connecting, 2 connected, 3 reconnecting, 4 closed)",
		},
	)

	m.ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_connection_transitions_total",
			Help: "Connected and disconnected transitions of the streaming connection",
		},
		[]string{"to"},
	)

	m.EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_envelopes_total",
			Help: "Notification envelopes received by outcome",
		},
		[]string{"outcome"},
	)

	m.SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_scheduler_ticks_total",
			Help: "Renewal scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	m.SchedulerInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_scheduler_interval_seconds",
			Help: "Current delay until the next renewal tick",
		},
	)

	m.EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_events_dispatched_total",
			Help: "Events emitted on the dispatch bus",
		},
		[]string{"kind"},
	)

	m.HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_handler_panics_total",
			Help: "Event handlers that panicked",
		},
		[]string{"kind"},
	)

	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwatch_relay_connections_active",
			Help: "Number of active relay connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwatch_relay_events_published_total",
			Help: "Total number of events published by the relay",
		},
		[]string{"protocol"}, // websocket, sse, broadcast
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatwatch_relay_event_delay_seconds",
			Help:    "Time spent flushing a relay broadcast batch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	return m
}
