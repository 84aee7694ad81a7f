// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_sent_total",
			Help: "Messages accepted by the fan-out engine.",
		},
		[]string{"recipient_type", "outcome"},
	)
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_events_published_total",
			Help: "Events appended to user queues.",
		},
		[]string{"type"},
	)
	deliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_failures_total",
			Help: "Per-recipient notification failures (logged and skipped).",
		},
		[]string{"stage"},
	)
	longpollWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_longpoll_waiters",
			Help: "Long-poll requests currently suspended.",
		},
	)
	longpollResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_longpoll_results_total",
			Help: "Long-poll cycles by terminal state.",
		},
		[]string{"state"},
	)
	eventsTrimmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_events_trimmed_total",
			Help: "Events removed by retention.",
		},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_ws_active_connections",
			Help: "Open WebSocket event streams.",
		},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		messagesSentTotal,
		eventsPublishedTotal,
		deliveryFailuresTotal,
		longpollWaiters,
		longpollResultsTotal,
		eventsTrimmedTotal,
		wsActiveConnections,
		httpRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncMessageSent(recipientType, outcome string) {
	messagesSentTotal.WithLabelValues(recipientType, outcome).Inc()
}

func IncEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

func IncDeliveryFailure(stage string) {
	deliveryFailuresTotal.WithLabelValues(stage).Inc()
}

func AddLongpollWaiters(delta float64) { longpollWaiters.Add(delta) }

func IncLongpollResult(state string) {
	longpollResultsTotal.WithLabelValues(state).Inc()
}

func AddEventsTrimmed(n int) { eventsTrimmedTotal.Add(float64(n)) }

func AddWSConnections(delta float64) { wsActiveConnections.Add(delta) }

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
