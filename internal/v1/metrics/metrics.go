package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the audio room signaling service.
//
// Naming convention: namespace_subsystem_name
// - namespace: msab (application-level grouping)
// - subsystem: socket, room, seat, sfu, gift, relay, auth, redis, ratelimit
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, seated speakers)
// - Counter: Cumulative events (events dispatched, gifts flushed, errors)
// - Histogram: Latency distributions (dispatch time, worker round trips)

var (
	// ActiveConnections tracks the current number of live WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// SocketEvents counts client events by name and dispatch outcome.
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Total client events dispatched",
	}, []string{"event", "status"})

	// EventDispatchDuration tracks time spent handling a single client event.
	EventDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "socket",
		Name:      "event_dispatch_seconds",
		Help:      "Time spent dispatching client events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// ActiveRooms tracks the current number of live rooms on this instance.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// SeatOperations counts seat mutations by operation and outcome.
	SeatOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "seat",
		Name:      "operations_total",
		Help:      "Total seat operations by type and outcome",
	}, []string{"operation", "status"})

	// WorkersAlive tracks the number of running media worker processes.
	WorkersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "workers_alive",
		Help:      "Current number of running media worker processes",
	})

	// WorkerRestarts counts media worker crash-restarts.
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "worker_restarts_total",
		Help:      "Total media worker restarts after a crash",
	})

	// ActiveRouters tracks the number of live per-room media routers.
	ActiveRouters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "routers_active",
		Help:      "Current number of media routers",
	})

	// ActiveProducers tracks live audio producers across all rooms.
	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "producers_active",
		Help:      "Current number of audio producers",
	})

	// ActiveConsumers tracks live audio consumers across all rooms.
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "consumers_active",
		Help:      "Current number of audio consumers",
	})

	// WorkerCommandDuration tracks media worker request round-trip time.
	WorkerCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "sfu",
		Name:      "command_seconds",
		Help:      "Media worker command round-trip time",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method"})

	// GiftsBuffered tracks gift events currently held for batch delivery.
	GiftsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "buffered_current",
		Help:      "Gift events currently buffered for batch delivery",
	})

	// GiftsFlushed counts gift events delivered to the backend.
	GiftsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "flushed_total",
		Help:      "Total gift events flushed to the backend",
	})

	// GiftsDropped counts gift events discarded on buffer overflow.
	GiftsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "dropped_total",
		Help:      "Total gift events dropped due to buffer overflow",
	})

	// GiftFlushFailures counts failed batch deliveries to the backend.
	GiftFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "flush_failures_total",
		Help:      "Total failed gift batch deliveries",
	})

	// RelayEvents counts backend relay events by name and routing outcome.
	RelayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "events_total",
		Help:      "Total backend relay events by routing outcome",
	}, []string{"event", "status"})

	// AuthAttempts counts token validations by result.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total token validation attempts by result",
	}, []string{"result"})

	// CircuitBreakerState exposes breaker state per backing service (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected or failed through a breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations failed or rejected by a circuit breaker",
	}, []string{"service"})

	// RateLimitRequests counts rate-limited checks per scope.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limit",
	}, []string{"scope"})

	// RateLimitExceeded counts requests rejected by a rate limit per scope and key type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by a rate limit",
	}, []string{"scope", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
