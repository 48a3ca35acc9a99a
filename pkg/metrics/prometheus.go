package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. Each instance owns its
// registry so that several can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Redis Metrics
	redisDegraded    prometheus.Gauge
	redisHealthCheck *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal      *prometheus.CounterVec
	callsActive     prometheus.Gauge
	callsEndedTotal *prometheus.CounterVec
	callsDuration   *prometheus.HistogramVec
	callsRejected   *prometheus.CounterVec

	// Negotiation Metrics
	negotiationRelayedTotal  *prometheus.CounterVec
	negotiationBufferedTotal prometheus.Counter
	negotiationDroppedTotal  prometheus.Counter
	negotiationFlushedTotal  prometheus.Counter
	protocolErrorsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Redis Metrics
		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
		redisHealthCheck: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_health_check_total",
				Help:        "Total number of Redis health checks",
				ConstLabels: labels,
			},
			[]string{"result"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls started",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of non-terminal calls",
				ConstLabels: labels,
			},
		),
		callsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of calls that reached a terminal state",
				ConstLabels: labels,
			},
			[]string{"kind", "state", "reason"},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds, from initiation to termination",
				ConstLabels: labels,
				Buckets:     []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind"},
		),
		callsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_request_rejected_total",
				Help:        "Total number of call requests rejected before touching a session",
				ConstLabels: labels,
			},
			[]string{"code"},
		),

		// Negotiation Metrics
		negotiationRelayedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "negotiation_events_relayed_total",
				Help:        "Total number of negotiation events forwarded to a peer",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		negotiationBufferedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "negotiation_events_buffered_total",
				Help:        "Total number of negotiation events parked for an unreachable peer",
				ConstLabels: labels,
			},
		),
		negotiationDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "negotiation_events_dropped_total",
				Help:        "Total number of buffered negotiation events evicted on overflow",
				ConstLabels: labels,
			},
		),
		negotiationFlushedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "negotiation_events_flushed_total",
				Help:        "Total number of buffered negotiation events delivered after a reconnect",
				ConstLabels: labels,
			},
		),
		protocolErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_protocol_errors_total",
				Help:        "Total number of dropped signaling events",
				ConstLabels: labels,
			},
			[]string{"code"},
		),
	}

	return m
}

// GetRegistry returns the registry backing this instance
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Redis Metrics Methods

// SetRedisDegraded flips the degraded-mode gauge
func (m *Metrics) SetRedisDegraded(degraded bool) {
	if degraded {
		m.redisDegraded.Set(1)
		return
	}
	m.redisDegraded.Set(0)
}

// RecordRedisHealthCheck counts a health probe by outcome
func (m *Metrics) RecordRedisHealthCheck(healthy bool) {
	if healthy {
		m.redisHealthCheck.WithLabelValues("ok").Inc()
		return
	}
	m.redisHealthCheck.WithLabelValues("failed").Inc()
}

// WebSocket Metrics Methods

// IncWebSocketConnections tracks a newly registered signaling socket
func (m *Metrics) IncWebSocketConnections() {
	m.websocketConnections.Inc()
}

// DecWebSocketConnections tracks a closed signaling socket
func (m *Metrics) DecWebSocketConnections() {
	m.websocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCallStarted records a call that claimed both registry slots
func (m *Metrics) RecordCallStarted(kind string) {
	m.callsTotal.WithLabelValues(kind).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a call reaching a terminal state
func (m *Metrics) RecordCallEnded(kind, state, reason string, duration time.Duration) {
	m.callsActive.Dec()
	m.callsEndedTotal.WithLabelValues(kind, state, reason).Inc()
	m.callsDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCallRequestRejected records a user error answered to a client
func (m *Metrics) RecordCallRequestRejected(code string) {
	m.callsRejected.WithLabelValues(code).Inc()
}

// Negotiation Metrics Methods

// RecordNegotiationRelayed records a negotiation event delivered to the peer
func (m *Metrics) RecordNegotiationRelayed(kind string) {
	m.negotiationRelayedTotal.WithLabelValues(kind).Inc()
}

// RecordNegotiationBuffered records an event parked for an unreachable peer
func (m *Metrics) RecordNegotiationBuffered() {
	m.negotiationBufferedTotal.Inc()
}

// RecordNegotiationDropped records an event evicted from a full buffer
func (m *Metrics) RecordNegotiationDropped() {
	m.negotiationDroppedTotal.Inc()
}

// RecordNegotiationFlushed records buffered events delivered after a reconnect
func (m *Metrics) RecordNegotiationFlushed(n int) {
	m.negotiationFlushedTotal.Add(float64(n))
}

// RecordProtocolError records a dropped signaling event
func (m *Metrics) RecordProtocolError(code string) {
	m.protocolErrorsTotal.WithLabelValues(code).Inc()
}
