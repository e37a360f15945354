package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets are the upper bounds shared by every latency histogram,
// in seconds. Dashboards key on the 1 ms bucket for the in-memory paths.
var DurationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// The metric catalogue is fixed; dashboards and alerts key on these names.
var (
	once sync.Once

	RequestsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_total", Help: "HTTP requests received"})
	RequestsSuccess = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_success", Help: "HTTP requests answered with 2xx/3xx"})
	RequestsError   = prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_error", Help: "HTTP requests answered with 4xx/5xx"})

	QueueEventsReceived  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_events_received_total", Help: "Events dequeued from the AQ queue"})
	QueueEventsProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_events_processed_total", Help: "Events handled and committed"})
	QueueEventsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_events_failed_total", Help: "Events whose handling or dequeue failed"})

	DBQueriesTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "db_queries_total", Help: "Database statements issued"})
	WorkerTasksTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_tasks_total", Help: "Tasks executed by the worker pool"})

	PoolOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pool_open_connections", Help: "Sessions currently open in the pool"})
	PoolBusyConnections = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pool_busy_connections", Help: "Sessions currently lent out"})
	QueueDepth          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_depth", Help: "Tasks waiting in the in-memory queue"})
	WorkerTasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_tasks_in_progress", Help: "Tasks currently executing"})
	HTTPInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "HTTP requests currently being served"})

	HTTPRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "http_request_duration",
		Help:    "HTTP request latency in seconds",
		Buckets: DurationBuckets,
	})
	DBQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "db_query_duration",
		Help:    "Database statement latency in seconds",
		Buckets: DurationBuckets,
	})
	WorkerTaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_task_duration",
		Help:    "Worker task execution latency in seconds",
		Buckets: DurationBuckets,
	})
)

// Register installs the catalogue into the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestsSuccess,
			RequestsError,
			QueueEventsReceived,
			QueueEventsProcessed,
			QueueEventsFailed,
			DBQueriesTotal,
			WorkerTasksTotal,
			PoolOpenConnections,
			PoolBusyConnections,
			QueueDepth,
			WorkerTasksInFlight,
			HTTPInFlight,
			HTTPRequestDuration,
			DBQueryDuration,
			WorkerTaskDuration,
		)
	})
}

// Handler exposes the text exposition endpoint backed by the catalogue.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
