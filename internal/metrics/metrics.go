package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/backstage/services/citysync/internal/models"
	"example.com/backstage/services/citysync/internal/resilience"
)

// Database query types
const (
	DBQueryTypeSelect = "select"
	DBQueryTypeInsert = "insert"
	DBQueryTypeUpdate = "update"
	DBQueryTypeDelete = "delete"
)

// Metrics is the main metrics collector. Every instance owns its registry so
// tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	syncEvents         *prometheus.CounterVec
	syncDuration       *prometheus.HistogramVec
	validationFailures prometheus.Counter
	replicaCities      *prometheus.GaugeVec
	lastSync           prometheus.Gauge

	outboundAttempts   *prometheus.CounterVec
	outboundDuration   *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	dbQueries    *prometheus.CounterVec
	dbDuration   *prometheus.HistogramVec
	queueEvents  *prometheus.CounterVec
	health       *prometheus.GaugeVec

	mu           sync.RWMutex
	healthChecks map[string]bool
	startTime    time.Time
}

// NewMetrics creates a collector with all series registered under namespace
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		healthChecks: make(map[string]bool),
		startTime:    time.Now(),

		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "city_sync_events_total",
			Help:      "City events processed, by event type and resulting action",
		}, []string{"type", "action"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "city_sync_duration_seconds",
			Help:      "Time spent applying one city event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "city_sync_validation_failures_total",
			Help:      "City events rejected as structurally invalid",
		}),
		replicaCities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "city_replicas",
			Help:      "Replicated cities by status",
		}, []string{"status"}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "city_replica_last_sync_timestamp_seconds",
			Help:      "Unix time of the most recent accepted replica write",
		}),

		outboundAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_attempts_total",
			Help:      "Outbound attempts by dependency and outcome",
		}, []string{"dependency", "outcome"}),
		outboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dependency_attempt_duration_seconds",
			Help:      "Outbound attempt latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dependency"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"dependency"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"dependency", "to"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		dbQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Database statements by type and success",
		}, []string{"type", "success"}),
		dbDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database statement latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Service Bus messages by settlement",
		}, []string{"settlement"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "component_healthy",
			Help:      "1 when the component passed its last health check",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncEvents, m.syncDuration, m.validationFailures, m.replicaCities, m.lastSync,
		m.outboundAttempts, m.outboundDuration, m.breakerState, m.breakerTransitions,
		m.httpRequests, m.httpDuration, m.dbQueries, m.dbDuration, m.queueEvents, m.health,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// UnknownEventType labels every event type the replica does not apply
const UnknownEventType = "unknown"

// RecordSync counts one processed event. Unrecognized types share one label
// value since the type comes straight from the request.
func (m *Metrics) RecordSync(eventType models.EventType, action models.SyncAction, d time.Duration) {
	label := string(eventType)
	if !eventType.Known() {
		label = UnknownEventType
	}
	m.syncEvents.WithLabelValues(label, string(action)).Inc()
	m.syncDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// RecordValidationFailure counts one rejected event
func (m *Metrics) RecordValidationFailure() {
	m.validationFailures.Inc()
}

// SetReplicaStats refreshes the replica gauges
func (m *Metrics) SetReplicaStats(stats *models.SyncStats) {
	m.replicaCities.WithLabelValues("total").Set(float64(stats.TotalCities))
	m.replicaCities.WithLabelValues("active").Set(float64(stats.ActiveCities))
	m.replicaCities.WithLabelValues("operational").Set(float64(stats.OperationalCities))
	if stats.LastSynced != nil {
		m.lastSync.Set(float64(stats.LastSynced.LastSyncAt.Unix()))
	}
}

// ObserveAttempt records one outbound attempt
func (m *Metrics) ObserveAttempt(dependency, outcome string, d time.Duration) {
	m.outboundAttempts.WithLabelValues(dependency, outcome).Inc()
	m.outboundDuration.WithLabelValues(dependency).Observe(d.Seconds())
}

// BreakerStateChanged is meant to be used as a breaker's OnStateChange hook
func (m *Metrics) BreakerStateChanged(dependency string, _, to resilience.State) {
	m.SetBreakerState(dependency, to)
	m.breakerTransitions.WithLabelValues(dependency, string(to)).Inc()
}

// SetBreakerState sets the state gauge without counting a transition
func (m *Metrics) SetBreakerState(dependency string, state resilience.State) {
	var v float64
	switch state {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(dependency).Set(v)
}

// ObserveHTTPRequest records one served request
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordDatabaseQuery records one database statement
func (m *Metrics) RecordDatabaseQuery(queryType string, success bool, d time.Duration) {
	m.dbQueries.WithLabelValues(queryType, strconv.FormatBool(success)).Inc()
	m.dbDuration.WithLabelValues(queryType).Observe(d.Seconds())
}

// RecordQueueMessage counts one settled Service Bus message
func (m *Metrics) RecordQueueMessage(settlement string) {
	m.queueEvents.WithLabelValues(settlement).Inc()
}

// SetHealth sets the health status for a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	m.mu.Lock()
	m.healthChecks[component] = isHealthy
	m.mu.Unlock()

	v := 0.0
	if isHealthy {
		v = 1
	}
	m.health.WithLabelValues(component).Set(v)
}

// GetHealthChecks returns a copy of all health statuses
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.healthChecks))
	for k, v := range m.healthChecks {
		out[k] = v
	}
	return out
}

// GetUptimeSeconds returns the uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}
