package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the watch-room coordination server.
//
// Naming convention: namespace_subsystem_name
// - namespace: watchroom (application-level grouping)
// - subsystem: websocket, room, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, participants)
// - Counter: cumulative events (requests processed, syncs published)
// - Histogram: latency distributions (request processing time)

var (
	// ActiveConnections tracks the current number of open sockets on this process.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the rooms loaded on this process.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms loaded on this node",
	})

	// RoomParticipants tracks participants per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room"})

	// RoomRequests counts processed room requests by type and outcome.
	RoomRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "requests_total",
		Help:      "Total room requests processed",
	}, []string{"type", "status"})

	// SyncsPublished counts state deltas published to the bus.
	SyncsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "syncs_published_total",
		Help:      "Total sync deltas published to the bus",
	})

	// RequestDuration tracks time spent inside room request handlers.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchroom",
		Subsystem: "room",
		Name:      "request_processing_seconds",
		Help:      "Time spent processing room requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// BusMessages counts bus messages handled by the gateway, by action.
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Total bus messages fanned out by the gateway",
	}, []string{"action"})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Calls rejected while a circuit breaker was open",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected requests by scope and key kind.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"scope", "key"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
