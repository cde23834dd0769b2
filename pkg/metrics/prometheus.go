package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the widget gateway.
// Every instance owns its registry, so tests can build as many as they like.
// All record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisCommandsTotal   *prometheus.CounterVec
	redisCommandDuration *prometheus.HistogramVec
	redisErrorsTotal     *prometheus.CounterVec
	redisDegradedMode    prometheus.Gauge
	redisHealthChecks    *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callEventsTotal *prometheus.CounterVec
	callsActive     prometheus.Gauge
	callsDuration   *prometheus.HistogramVec
	callUIFailures  *prometheus.CounterVec

	// Message Metrics
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal prometheus.Counter
	pushEventsDropped     *prometheus.CounterVec

	// Auth Metrics
	authAttemptsTotal *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: labels,
		}),

		redisCommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "redis_commands_total",
			Help:        "Total number of Redis commands",
			ConstLabels: labels,
		}, []string{"command"}),
		redisCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "redis_command_duration_seconds",
			Help:        "Redis command latency in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"command"}),
		redisErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "redis_errors_total",
			Help:        "Total number of Redis errors",
			ConstLabels: labels,
		}, []string{"command"}),
		redisDegradedMode: f.NewGauge(prometheus.GaugeOpts{
			Name:        "redis_degraded_mode",
			Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
			ConstLabels: labels,
		}),
		redisHealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "redis_health_check_total",
			Help:        "Total number of Redis health checks",
			ConstLabels: labels,
		}, []string{"result"}),

		websocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Number of open widget WebSocket connections",
			ConstLabels: labels,
		}),
		websocketMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_messages_total",
			Help:        "Total number of WebSocket frames",
			ConstLabels: labels,
		}, []string{"type", "direction"}),
		websocketErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "websocket_errors_total",
			Help:        "Total number of WebSocket errors",
			ConstLabels: labels,
		}, []string{"error"}),

		callEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_events_total",
			Help:        "Call lifecycle transitions applied",
			ConstLabels: labels,
		}, []string{"call_type", "event"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Number of connected calls",
			ConstLabels: labels,
		}),
		callsDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "call_duration_seconds",
			Help:        "Connected call duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"call_type"}),
		callUIFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_ui_failures_total",
			Help:        "Call UI sessions that failed to start or errored",
			ConstLabels: labels,
		}, []string{"stage"}),

		messagesSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "messages_sent_total",
			Help:        "Messages sent by widget visitors",
			ConstLabels: labels,
		}, []string{"status"}),
		messagesReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "messages_received_total",
			Help:        "Messages merged into a visitor timeline from push events",
			ConstLabels: labels,
		}),
		pushEventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "push_events_dropped_total",
			Help:        "Push events ignored by the dispatcher",
			ConstLabels: labels,
		}, []string{"reason"}),

		authAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "auth_attempts_total",
			Help:        "Realtime authentication attempts",
			ConstLabels: labels,
		}, []string{"method", "result"}),
	}
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: false})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments in-flight requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements in-flight requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	m.redisCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// SetRedisDegraded records whether Redis is in degraded mode
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegradedMode.Set(1)
	} else {
		m.redisDegradedMode.Set(0)
	}
}

// RecordRedisHealthCheck records a Redis health check outcome
func (m *Metrics) RecordRedisHealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "degraded"
	}
	m.redisHealthChecks.WithLabelValues(result).Inc()
}

// WebSocketOpened tracks a new widget connection
func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.websocketConnections.Inc()
}

// WebSocketClosed tracks a closed widget connection
func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket frame
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	if m == nil {
		return
	}
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordCallEvent records an applied call transition
func (m *Metrics) RecordCallEvent(callType, event string) {
	if m == nil {
		return
	}
	m.callEventsTotal.WithLabelValues(callType, event).Inc()
}

// CallConnected tracks a call entering the active slot
func (m *Metrics) CallConnected() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

// CallDisconnected tracks a call leaving the active slot
func (m *Metrics) CallDisconnected(callType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsActive.Dec()
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallUIFailure records a call UI start failure or runtime error
func (m *Metrics) RecordCallUIFailure(stage string) {
	if m == nil {
		return
	}
	m.callUIFailures.WithLabelValues(stage).Inc()
}

// RecordMessageSent records an outbound message attempt
func (m *Metrics) RecordMessageSent(status string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(status).Inc()
}

// RecordMessageReceived records a pushed message merged into a timeline
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceivedTotal.Inc()
}

// RecordPushDropped records a push event the dispatcher ignored
func (m *Metrics) RecordPushDropped(reason string) {
	if m == nil {
		return
	}
	m.pushEventsDropped.WithLabelValues(reason).Inc()
}

// RecordAuthAttempt records an authentication attempt
func (m *Metrics) RecordAuthAttempt(method string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.authAttemptsTotal.WithLabelValues(method, result).Inc()
}
