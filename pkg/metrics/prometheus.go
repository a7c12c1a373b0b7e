package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec

	// Signaling Metrics
	signalingConnected     prometheus.Gauge
	signalingEventsTotal   *prometheus.CounterVec
	signalingRequestsTotal *prometheus.CounterVec

	// Call Metrics
	callTransitionsTotal *prometheus.CounterVec
	callAttemptsTotal    *prometheus.CounterVec
	callsActive          prometheus.Gauge
	callsDuration        prometheus.Histogram
	teardownsTotal       *prometheus.CounterVec
	negotiationDuration  *prometheus.HistogramVec
	duplicateEventsTotal *prometheus.CounterVec

	// Presence Metrics
	admissionDenialsTotal *prometheus.CounterVec
	presenceCacheTotal    *prometheus.CounterVec
	expirySweepsTotal     *prometheus.CounterVec

	// Push Notification Metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
	knocksTotal             *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(serviceName string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		// HTTP Request Metrics
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of control API requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Control API request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		// Redis Metrics
		redisCommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		// Signaling Metrics
		signalingConnected: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_connected",
				Help:        "Whether the signaling channel is connected (1) or not (0)",
				ConstLabels: labels,
			},
		),
		signalingEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_events_total",
				Help:        "Total number of signaling events by direction and result",
				ConstLabels: labels,
			},
			[]string{"event", "direction", "result"},
		),
		signalingRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_requests_total",
				Help:        "Total number of acknowledged signaling requests",
				ConstLabels: labels,
			},
			[]string{"event", "result"},
		),

		// Call Metrics
		callTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Total number of call state transitions",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		callAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_attempts_total",
				Help:        "Total number of call attempts by direction and result",
				ConstLabels: labels,
			},
			[]string{"direction", "result"},
		),
		callsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Whether a call is currently connected",
				ConstLabels: labels,
			},
		),
		callsDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		teardownsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_teardowns_total",
				Help:        "Total number of call teardowns by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		negotiationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "negotiation_duration_seconds",
				Help:        "Transport negotiation latency in seconds",
				ConstLabels: labels,
				Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"flow", "result"},
		),
		duplicateEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_duplicate_events_total",
				Help:        "Total number of redundant call events ignored",
				ConstLabels: labels,
			},
			[]string{"event"},
		),

		// Presence Metrics
		admissionDenialsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "admission_denials_total",
				Help:        "Total number of denied call attempts by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		presenceCacheTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_cache_total",
				Help:        "Presence cache lookups by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		expirySweepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "presence_expiry_disabled_total",
				Help:        "Total number of silence/DND entries auto-disabled by the sweep",
				ConstLabels: labels,
			},
			[]string{"mode"},
		),

		// Push Notification Metrics
		pushNotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push notifications by direction and type",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		pushNotificationsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Total number of failed push notifications",
				ConstLabels: labels,
			},
			[]string{"type", "provider"},
		),
		knocksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "knocks_total",
				Help:        "Total number of knocks by direction and transport",
				ConstLabels: labels,
			},
			[]string{"direction", "transport"},
		),
	}

	return m
}

// HTTP Metrics Methods

// RecordHTTPRequest records a control API request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Redis Metrics Methods

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// Signaling Metrics Methods

// SetSignalingConnected records the channel connection state
func (m *Metrics) SetSignalingConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.signalingConnected.Set(1)
	} else {
		m.signalingConnected.Set(0)
	}
}

// RecordSignalingEvent records an inbound or outbound event
func (m *Metrics) RecordSignalingEvent(event, direction, result string) {
	if m == nil {
		return
	}
	m.signalingEventsTotal.WithLabelValues(event, direction, result).Inc()
}

// RecordSignalingRequest records an acknowledged request outcome
func (m *Metrics) RecordSignalingRequest(event string, err error) {
	if m == nil {
		return
	}
	m.signalingRequestsTotal.WithLabelValues(event, resultLabel(err)).Inc()
}

// Call Metrics Methods

// RecordTransition records a call state transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCallAttempt records an outgoing or incoming call attempt
func (m *Metrics) RecordCallAttempt(direction, result string) {
	if m == nil {
		return
	}
	m.callAttemptsTotal.WithLabelValues(direction, result).Inc()
}

// SetCallActive sets whether a call is connected
func (m *Metrics) SetCallActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.callsActive.Set(1)
	} else {
		m.callsActive.Set(0)
	}
}

// RecordCallDuration records the duration of a connected call
func (m *Metrics) RecordCallDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.callsDuration.Observe(duration.Seconds())
}

// RecordTeardown records a completed teardown
func (m *Metrics) RecordTeardown(reason string) {
	if m == nil {
		return
	}
	m.teardownsTotal.WithLabelValues(reason).Inc()
}

// RecordNegotiation records a negotiation flow outcome
func (m *Metrics) RecordNegotiation(flow string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.negotiationDuration.WithLabelValues(flow, resultLabel(err)).Observe(duration.Seconds())
}

// RecordDuplicate records a redundant event that was ignored
func (m *Metrics) RecordDuplicate(event string) {
	if m == nil {
		return
	}
	m.duplicateEventsTotal.WithLabelValues(event).Inc()
}

// Presence Metrics Methods

// RecordAdmissionDenied records a denied call attempt
func (m *Metrics) RecordAdmissionDenied(reason string) {
	if m == nil {
		return
	}
	m.admissionDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordPresenceCache records a presence cache hit or miss
func (m *Metrics) RecordPresenceCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.presenceCacheTotal.WithLabelValues("hit").Inc()
	} else {
		m.presenceCacheTotal.WithLabelValues("miss").Inc()
	}
}

// RecordAutoDisabled records a silence/DND entry disabled by the sweep
func (m *Metrics) RecordAutoDisabled(mode string) {
	if m == nil {
		return
	}
	m.expirySweepsTotal.WithLabelValues(mode).Inc()
}

// Push Notification Metrics Methods

// RecordPushNotification records a push notification
func (m *Metrics) RecordPushNotification(notifType, direction string) {
	if m == nil {
		return
	}
	m.pushNotificationsTotal.WithLabelValues(notifType, direction).Inc()
}

// RecordPushNotificationFailure records a failed push notification
func (m *Metrics) RecordPushNotificationFailure(notifType, provider string) {
	if m == nil {
		return
	}
	m.pushNotificationsFailed.WithLabelValues(notifType, provider).Inc()
}

// RecordKnock records a sent or received knock
func (m *Metrics) RecordKnock(direction, transport string) {
	if m == nil {
		return
	}
	m.knocksTotal.WithLabelValues(direction, transport).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
