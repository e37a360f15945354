package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherHistogram(t *testing.T, name string) *dto.Histogram {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetHistogram()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

// Histogram law: an observation of v adds v to sum, 1 to count, and 1 to
// every bucket whose upper bound is at least v.
func TestHistogramObservation(t *testing.T) {
	Register()

	before := gatherHistogram(t, "worker_task_duration")
	WorkerTaskDuration.Observe(0.03)
	after := gatherHistogram(t, "worker_task_duration")

	assert.Equal(t, before.GetSampleCount()+1, after.GetSampleCount())
	assert.InDelta(t, before.GetSampleSum()+0.03, after.GetSampleSum(), 1e-9)

	require.Equal(t, len(before.GetBucket()), len(after.GetBucket()))
	for i, b := range after.GetBucket() {
		prev := before.GetBucket()[i]
		if b.GetUpperBound() >= 0.03 {
			assert.Equal(t, prev.GetCumulativeCount()+1, b.GetCumulativeCount(),
				"bucket le=%v", b.GetUpperBound())
		} else {
			assert.Equal(t, prev.GetCumulativeCount(), b.GetCumulativeCount(),
				"bucket le=%v", b.GetUpperBound())
		}
	}
}

// The bucket bounds are part of the catalogue contract: 12 bounds from 1 ms
// to 10 s, on every latency histogram.
func TestHistogramBucketBounds(t *testing.T) {
	Register()
	HTTPRequestDuration.Observe(0.0005)
	DBQueryDuration.Observe(0.0005)
	WorkerTaskDuration.Observe(0.0005)

	want := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	for _, name := range []string{"http_request_duration", "db_query_duration", "worker_task_duration"} {
		h := gatherHistogram(t, name)
		var bounds []float64
		for _, b := range h.GetBucket() {
			bounds = append(bounds, b.GetUpperBound())
		}
		assert.Equal(t, want, bounds, "%s bucket bounds", name)
	}
}

func TestCountersOnlyIncrease(t *testing.T) {
	Register()

	read := func() float64 {
		var m dto.Metric
		require.NoError(t, QueueEventsReceived.Write(&m))
		return m.GetCounter().GetValue()
	}
	v0 := read()
	QueueEventsReceived.Inc()
	QueueEventsReceived.Inc()
	assert.Equal(t, v0+2, read())
}

func TestExpositionFormat(t *testing.T) {
	Register()
	RequestsTotal.Inc()
	HTTPRequestDuration.Observe(0.002)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, "# HELP requests_total")
	assert.Contains(t, body, "# TYPE requests_total counter")
	assert.Contains(t, body, "# TYPE http_request_duration histogram")
	assert.Contains(t, body, `http_request_duration_bucket{le="0.001"}`)
	assert.Contains(t, body, `http_request_duration_bucket{le="+Inf"}`)
	assert.Contains(t, body, "http_request_duration_sum")
	assert.Contains(t, body, "http_request_duration_count")

	// Every catalogue member is exposed.
	for _, name := range []string{
		"requests_total", "requests_success", "requests_error",
		"queue_events_received_total", "queue_events_processed_total", "queue_events_failed_total",
		"db_queries_total", "worker_tasks_total",
		"pool_open_connections", "pool_busy_connections", "queue_depth",
		"worker_tasks_in_progress", "http_requests_in_flight",
		"http_request_duration", "db_query_duration", "worker_task_duration",
	} {
		assert.True(t, strings.Contains(body, "# HELP "+name), "missing %s", name)
	}
}
