package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlidingWindow counts timestamps inside a trailing window.
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64
	window  time.Duration
	maxSize int
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
	}
}

// Add records a timestamp and drops those that fell out of the window.
func (sw *SlidingWindow) Add(timestamp int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, timestamp)

	cutoff := time.Now().Unix() - int64(sw.window.Seconds())
	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

// Rate returns events per second over the window.
func (sw *SlidingWindow) Rate() float64 {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := time.Now().Unix() - int64(sw.window.Seconds())
	count := 0
	for _, ts := range sw.events {
		if ts >= cutoff {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(count) / sw.window.Seconds()
}

var (
	eventWindow = NewSlidingWindow(60*time.Second, 10000)

	// Local mirrors of a few gauges; prometheus values can't be read back
	// cheaply and the health report needs them.
	activeConnectionsCount int64
	admittedCount          int64
	deliveredCount         int64
)

// Metrics for the broker engine
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_broker_active_connections",
		Help: "The number of active WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_broker_active_subscriptions",
		Help: "The number of live (connection, subscription) pairs",
	})

	LiveFilters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_broker_live_filters",
		Help: "The number of distinct interned filters referenced by live subscriptions",
	})

	EventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_broker_events_stored",
		Help: "Stored events as of the last count",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_broker_messages_received_total",
		Help: "The total number of frames received",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_broker_messages_sent_total",
		Help: "The total number of frames written",
	})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_broker_message_size_bytes",
		Help:    "Size of received frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_commands_received_total",
		Help: "The total number of commands received by type",
	}, []string{"type"})

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nostr_broker_command_processing_duration_seconds",
		Help:    "Time to process different command types",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	AdmissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_admission_outcomes_total",
		Help: "Admission results by reason class",
	}, []string{"result"}) // "accepted", "duplicate", "invalid", "blocked", "pow", "error"

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_events_processed_total",
		Help: "Admitted events by kind class",
	}, []string{"class"})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_broker_fanout_deliveries_total",
		Help: "EVENT frames queued by live fan-out",
	})

	FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_broker_fanout_duration_seconds",
		Help:    "Time spent matching an admitted event against live filters",
		Buckets: prometheus.ExponentialBuckets(0.00001, 10, 6),
	})

	DroppedConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_dropped_connections_total",
		Help: "Connections closed by the relay by reason",
	}, []string{"reason"}) // "slow_consumer", "rate_limit", "idle", "max_connections"

	RegistryInvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_broker_registry_invariant_violations_total",
		Help: "Inconsistencies detected between registry indices",
	})

	MultimapRetries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_broker_multimap_retries",
		Help: "Adds that restarted because their bucket was retired concurrently",
	})

	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_db_errors_total",
		Help: "Total number of database errors by type",
	}, []string{"error_type"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_db_operations_total",
		Help: "Total number of database operations by type",
	}, []string{"operation"})

	MirrorPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_broker_mirror_published_total",
		Help: "Events mirrored to the message broker by status",
	}, []string{"status"})
)

// IncrementActiveConnections increments the gauge and the local counter.
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections decrements the gauge and the local counter.
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveConnectionsCount returns the current number of active connections
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// RecordAdmission counts one admission result.
func RecordAdmission(result string) {
	AdmissionOutcomes.WithLabelValues(result).Inc()
	if result == "accepted" {
		atomic.AddInt64(&admittedCount, 1)
		eventWindow.Add(time.Now().Unix())
	}
}

// GetAdmittedCount returns the number of events accepted since start.
func GetAdmittedCount() int64 {
	return atomic.LoadInt64(&admittedCount)
}

// RecordDeliveries counts queued live EVENT frames.
func RecordDeliveries(n int) {
	FanoutDeliveries.Add(float64(n))
	atomic.AddInt64(&deliveredCount, int64(n))
}

// GetDeliveredCount returns the number of live deliveries since start.
func GetDeliveredCount() int64 {
	return atomic.LoadInt64(&deliveredCount)
}

// GetEventsPerSecond is the admitted-event rate over the last minute.
func GetEventsPerSecond() float64 {
	return eventWindow.Rate()
}

// RegisterMetrics pre-registers label values so series show up at zero.
func RegisterMetrics() {
	for _, cmdType := range []string{"EVENT", "REQ", "CLOSE", "COUNT"} {
		CommandsReceived.WithLabelValues(cmdType)
		CommandProcessingDuration.WithLabelValues(cmdType)
	}
	for _, r := range []string{"accepted", "duplicate", "invalid", "blocked", "pow", "error"} {
		AdmissionOutcomes.WithLabelValues(r)
	}
	for _, c := range []string{"regular", "replaceable", "parameterized", "ephemeral"} {
		EventsProcessed.WithLabelValues(c)
	}
	for _, r := range []string{"slow_consumer", "rate_limit", "idle", "max_connections"} {
		DroppedConnections.WithLabelValues(r)
	}
	for _, errType := range []string{"validation", "database", "websocket", "rate_limit", "registry"} {
		ErrorsCount.WithLabelValues(errType)
	}
	for _, op := range []string{"connect", "save", "debit", "credit", "clean_expired", "bloom_rebuild"} {
		DBErrors.WithLabelValues(op)
		DBOperations.WithLabelValues(op)
	}
	for _, s := range []string{"success", "failure"} {
		MirrorPublished.WithLabelValues(s)
	}
}
