package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime coordination plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: webcall (application-level grouping)
// - subsystem: websocket, call, summary, voice (feature-level grouping)
//
// Metric types:
// - Gauge: current state (connections, rooms)
// - Counter: cumulative events (signals relayed, summaries built)

var (
	// ActiveConnections tracks active WebSocket connections per endpoint.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "webcall",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	// ActiveRooms tracks the current number of rooms with at least one member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webcall",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// SignalEvents counts relayed WebRTC signaling frames by type.
	SignalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "websocket",
		Name:      "signal_events_total",
		Help:      "Total WebRTC signaling frames relayed",
	}, []string{"signal_type"})

	// ChatMessages counts chat frames fanned out to rooms.
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "websocket",
		Name:      "chat_messages_total",
		Help:      "Total chat messages fanned out",
	})

	// CallSignalEvents counts call-invitation lifecycle events.
	CallSignalEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "call",
		Name:      "signal_events_total",
		Help:      "Call signaling events",
	}, []string{"event"})

	// SummariesBuilt counts personal summaries by outcome mode.
	SummariesBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "summary",
		Name:      "built_total",
		Help:      "Personal summaries built, by mode",
	}, []string{"mode"})

	// VoiceFinalizations counts voice-capture finalizations by result.
	VoiceFinalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "voice",
		Name:      "finalize_total",
		Help:      "Voice capture finalizations, by result",
	}, []string{"result"})

	// CircuitBreakerState tracks breaker state per backend (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "webcall",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected requests per route.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webcall",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"route"})
)

func IncConnection(endpoint string) {
	ActiveConnections.WithLabelValues(endpoint).Inc()
}

func DecConnection(endpoint string) {
	ActiveConnections.WithLabelValues(endpoint).Dec()
}
