package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling broker.
// Declared close to business logic and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: crossword_collab (application-level grouping)
// - subsystem: signaling, room, webrtc (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, subscribers)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossword_collab",
		Subsystem: "signaling",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossword_collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomSubscribers tracks the number of visitor records (live or inside the reconnect window) in each room (GaugeVec with room_id label - current state per room)
	RoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crossword_collab",
		Subsystem: "room",
		Name:      "subscribers_count",
		Help:      "Number of visitor records in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crossword_collab",
		Subsystem: "signaling",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// WebrtcConnectionAttempts tracks the total number of WebRTC connection attempts (CounterVec - cumulative)
	WebrtcConnectionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "webrtc",
		Name:      "connection_attempts_total",
		Help:      "Total WebRTC connection attempts",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crossword_collab",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crossword_collab",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// TTLSweepOutcomes tracks connection/visitor/room expirations performed
	// by the broker's periodic TTL sweep (§4.3).
	TTLSweepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossword_collab",
		Subsystem: "room",
		Name:      "ttl_sweep_total",
		Help:      "Total entities expired by the TTL sweep, by kind",
	}, []string{"kind"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
