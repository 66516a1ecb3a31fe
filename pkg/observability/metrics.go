package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Quota metrics
	ReservationsGranted  prometheus.Counter
	ReservationsDenied   *prometheus.CounterVec
	ReservationsReleased *prometheus.CounterVec

	// Scheduler metrics
	SchedulesTriggered prometheus.Counter
	SchedulesSkipped   prometheus.Counter
	EntriesClaimed     prometheus.Counter
	EntriesRequeued    prometheus.Counter
	PipelinesStarted   prometheus.Counter
	RunsReclaimed      prometheus.Counter
	RunsCompleted      *prometheus.CounterVec
	ProcessingRuns     prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conveyor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ReservationsGranted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_quota_reservations_granted_total",
				Help: "Total number of granted quota reservations",
			},
		),
		ReservationsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_quota_reservations_denied_total",
				Help: "Total number of denied quota reservations",
			},
			[]string{"reason"},
		),
		ReservationsReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_quota_reservations_released_total",
				Help: "Total number of released quota reservations",
			},
			[]string{"outcome"},
		),
		SchedulesTriggered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_schedules_triggered_total",
				Help: "Total number of due schedules examined by the trigger service",
			},
		),
		SchedulesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_schedules_skipped_total",
				Help: "Total number of due schedules skipped because a run for the window already exists",
			},
		),
		EntriesClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_queue_entries_claimed_total",
				Help: "Total number of queue entries claimed by batch workers",
			},
		),
		EntriesRequeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_queue_entries_requeued_total",
				Help: "Total number of queue entries reverted to queued after a transient denial",
			},
		),
		PipelinesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_pipelines_started_total",
				Help: "Total number of pipelines dispatched to the executor",
			},
		),
		RunsReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conveyor_runs_reclaimed_total",
				Help: "Total number of stale processing runs reclaimed",
			},
		),
		RunsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_runs_completed_total",
				Help: "Total number of completion callbacks by outcome",
			},
			[]string{"outcome"},
		),
		ProcessingRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conveyor_processing_runs",
				Help: "Number of queue entries currently in processing state",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conveyor_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conveyor_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsGranted,
		m.ReservationsDenied,
		m.ReservationsReleased,
		m.SchedulesTriggered,
		m.SchedulesSkipped,
		m.EntriesClaimed,
		m.EntriesRequeued,
		m.PipelinesStarted,
		m.RunsReclaimed,
		m.RunsCompleted,
		m.ProcessingRuns,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// StartDBStatsCollector samples connection pool gauges from db on an
// interval. The returned stop function halts the sampler.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsActive.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
