// Package metrics exports engine, queue and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/opflow/pkg/schema"
)

const namespace = "opflow"

// Recorder owns the collectors and the registry they are served from.
type Recorder struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	executions    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	deliveries    *prometheus.CounterVec
	workersBusy   prometheus.Gauge
	streamDropped *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New creates a Recorder with a private registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Automation jobs that reached a terminal status.",
		}, []string{"status"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Workflow executions that reached a terminal status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution time by step type and outcome.",
			Buckets:   []float64{.005, .025, .1, .25, 1, 2.5, 10, 30, 60},
		}, []string{"step_type", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_deliveries_total",
			Help:      "Queue task deliveries by family and outcome.",
		}, []string{"family", "outcome"}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_workers_busy",
			Help:      "Queue workers currently delivering a task.",
		}),
		streamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_dropped_total",
			Help:      "Status events not delivered to a slow stream subscriber.",
		}, []string{"event_type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.jobs, r.executions, r.stepDuration, r.deliveries, r.workersBusy, r.streamDropped,
		r.rateLimited, r.httpRequests, r.httpDurations,
	)
	return r
}

// JobFinished counts a terminal job.
func (r *Recorder) JobFinished(status schema.RunStatus) {
	r.jobs.WithLabelValues(string(status)).Inc()
}

// ExecutionFinished counts a terminal execution.
func (r *Recorder) ExecutionFinished(status schema.RunStatus) {
	r.executions.WithLabelValues(string(status)).Inc()
}

// StepObserved records one step outcome and its duration.
func (r *Recorder) StepObserved(stepType schema.StepType, outcome string, d time.Duration) {
	r.stepDuration.WithLabelValues(string(stepType), outcome).Observe(d.Seconds())
}

// QueueDelivery counts a queue delivery outcome.
func (r *Recorder) QueueDelivery(family, outcome string) {
	r.deliveries.WithLabelValues(family, outcome).Inc()
}

// QueueBusy sets the number of busy queue workers.
func (r *Recorder) QueueBusy(busy int) {
	r.workersBusy.Set(float64(busy))
}

// StreamDropped counts an event a stream subscriber missed. Usable as a
// streaming.WithDropHook callback.
func (r *Recorder) StreamDropped(eventType string) {
	r.streamDropped.WithLabelValues(eventType).Inc()
}

// RateLimited counts a rejected request. Usable as a rate limit OnReject hook.
func (r *Recorder) RateLimited(req *http.Request) {
	r.rateLimited.WithLabelValues(routePattern(req)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Middleware counts requests by chi route pattern so ids do not explode
// label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, req)
		route := routePattern(req)
		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(rw.status)).Inc()
		r.httpDurations.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

func routePattern(req *http.Request) string {
	if rc := chi.RouteContext(req.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
