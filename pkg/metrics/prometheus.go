// Package metrics provides Prometheus metrics for the lobby and rating service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every metric the service exports.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Tables
	tablesCreated   prometheus.Counter
	tablesStarted   prometheus.Counter
	tablesRemoved   prometheus.Counter
	tableRejections *prometheus.CounterVec
	activeTables    prometheus.Gauge

	// Ratings
	activeMatches     prometheus.Gauge
	ratingsComputed   prometheus.Counter
	ratingsSkipped    *prometheus.CounterVec
	ratingSaves       *prometheus.CounterVec
	ratingLoads       *prometheus.CounterVec
	ratingSaveLatency prometheus.Histogram

	// Percentiles
	percentileObservations prometheus.Counter
	percentileFlushes      *prometheus.CounterVec

	// Transport
	matchEventsConsumed  *prometheus.CounterVec
	websocketConnections prometheus.Gauge
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	// Worker pool
	poolQueueDepth prometheus.Gauge
	poolTasks      *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by the package-level recorders

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // registry served at /metrics

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// Configure rebuilds the package-level metrics with opts on a fresh
// registry, which GetRegistry then returns. Call it once at startup, before
// anything records.
func Configure(opts ...Option) {
	registry := prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(registry))...)
	customRegistry = registry
}

// NewManager creates a metrics manager and registers its metrics.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "lobby",
		subsystem:        "ratings",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() { //nolint:funlen // flat list of metric definitions
	auto := promauto.With(m.registry)

	m.tablesCreated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tables_created_total",
		Help:      "Total number of tables created",
	})
	m.tablesStarted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tables_started_total",
		Help:      "Total number of tables whose game was started",
	})
	m.tablesRemoved = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "tables_removed_total",
		Help:      "Total number of tables removed from a lobby",
	})
	m.tableRejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "table_rejections_total",
		Help:      "Table requests rejected by validation, by operation",
	}, []string{"operation"})
	m.activeTables = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "active_tables",
		Help:      "Tables currently forming across all lobbies",
	})

	m.activeMatches = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "active_matches",
		Help:      "Matches with a live rating session",
	})
	m.ratingsComputed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "ratings_computed_total",
		Help:      "Player ratings updated at match end",
	})
	m.ratingsSkipped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "ratings_skipped_total",
		Help:      "Matches or seats left unrated, by reason",
	}, []string{"reason"})
	m.ratingSaves = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rating_saves_total",
		Help:      "Rating persistence attempts, by result",
	}, []string{"result"})
	m.ratingLoads = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rating_loads_total",
		Help:      "Rating load attempts, by result",
	}, []string{"result"})
	m.ratingSaveLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rating_save_seconds",
		Help:      "Latency of a single rating save",
		Buckets:   m.histogramBuckets,
	})

	m.percentileObservations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "percentile_observations_total",
		Help:      "Scores recorded into percentile trackers",
	})
	m.percentileFlushes = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "percentile_flushes_total",
		Help:      "Percentile blobs written, by result",
	}, []string{"result"})

	m.matchEventsConsumed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "match_events_consumed_total",
		Help:      "Match lifecycle events consumed, by type",
	}, []string{"type"})
	m.websocketConnections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "websocket_connections",
		Help:      "Connected websocket clients",
	})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests, by route, method and status code",
	}, []string{"route", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method"})

	m.poolQueueDepth = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "io_pool_queue_depth",
		Help:      "Tasks waiting in the I/O worker pool",
	})
	m.poolTasks = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "io_pool_tasks_total",
		Help:      "Tasks run by the I/O worker pool, by how they were scheduled",
	}, []string{"mode"})
}

// RecordTableCreated increments the tables created counter.
func RecordTableCreated() {
	globalManager.tablesCreated.Inc()
	globalManager.activeTables.Inc()
}

// RecordTableStarted increments the tables started counter.
func RecordTableStarted() {
	globalManager.tablesStarted.Inc()
}

// RecordTableRemoved increments the tables removed counter.
func RecordTableRemoved() {
	globalManager.tablesRemoved.Inc()
	globalManager.activeTables.Dec()
}

// RecordTableRejection counts a request rejected by validation.
func RecordTableRejection(operation string) {
	globalManager.tableRejections.WithLabelValues(operation).Inc()
}

// UpdateActiveMatches adjusts the live match gauge by delta.
func UpdateActiveMatches(delta int) {
	globalManager.activeMatches.Add(float64(delta))
}

// RecordRatingComputed counts an updated player rating.
func RecordRatingComputed() {
	globalManager.ratingsComputed.Inc()
}

// RecordRatingSkipped counts a match or seat left unrated.
func RecordRatingSkipped(reason string) {
	globalManager.ratingsSkipped.WithLabelValues(reason).Inc()
}

// RecordRatingSave counts a save attempt and its latency.
func RecordRatingSave(ok bool, seconds float64) {
	globalManager.ratingSaves.WithLabelValues(result(ok)).Inc()
	globalManager.ratingSaveLatency.Observe(seconds)
}

// RecordRatingLoad counts a load attempt.
func RecordRatingLoad(ok bool) {
	globalManager.ratingLoads.WithLabelValues(result(ok)).Inc()
}

// RecordPercentileObservation counts a recorded score.
func RecordPercentileObservation() {
	globalManager.percentileObservations.Inc()
}

// RecordPercentileFlush counts percentile blobs written and failed.
func RecordPercentileFlush(written, failed int) {
	globalManager.percentileFlushes.WithLabelValues("success").Add(float64(written))
	globalManager.percentileFlushes.WithLabelValues("error").Add(float64(failed))
}

// RecordMatchEvent counts a consumed match lifecycle event.
func RecordMatchEvent(eventType string) {
	globalManager.matchEventsConsumed.WithLabelValues(eventType).Inc()
}

// UpdateWebsocketConnections sets the connected client gauge.
func UpdateWebsocketConnections(count int) {
	globalManager.websocketConnections.Set(float64(count))
}

// RecordHTTPRequest records a served request.
func RecordHTTPRequest(route, method, statusCode string, seconds float64) {
	globalManager.httpRequests.WithLabelValues(route, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(route, method).Observe(seconds)
}

// UpdatePoolQueueDepth sets the pending task gauge.
func UpdatePoolQueueDepth(depth int) {
	globalManager.poolQueueDepth.Set(float64(depth))
}

// RecordPoolTask counts a task by scheduling mode ("queued" or "overflow").
func RecordPoolTask(mode string) {
	globalManager.poolTasks.WithLabelValues(mode).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
