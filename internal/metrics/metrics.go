package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus instruments. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	queueDepth        prometheus.Gauge
	queueRejections   prometheus.Counter
	inferenceInFlight prometheus.Gauge

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		jobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxserve_jobs_started_total",
			Help: "Total number of transcription jobs started",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxserve_jobs_completed_total",
			Help: "Total number of transcription jobs completed successfully",
		}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxserve_jobs_failed_total",
			Help: "Total number of failed transcription jobs by pipeline stage",
		}, []string{"stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxserve_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~3 minutes
		}, []string{"stage"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxserve_inference_queue_depth",
			Help: "Current number of jobs waiting for inference",
		}),
		queueRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxserve_inference_queue_rejections_total",
			Help: "Total number of submissions rejected because the queue was full",
		}),
		inferenceInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxserve_inference_in_flight",
			Help: "Current number of inference calls executing",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxserve_http_requests_total",
			Help: "Total number of HTTP requests by method, endpoint, and status",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxserve_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"endpoint"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsStarted.Inc()
}

func (m *Metrics) JobCompleted() {
	if m == nil {
		return
	}
	m.jobsCompleted.Inc()
}

func (m *Metrics) JobFailed(stage string) {
	if m == nil {
		return
	}
	m.jobsFailed.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejections.Inc()
}

func (m *Metrics) InferenceStarted() {
	if m == nil {
		return
	}
	m.inferenceInFlight.Inc()
}

func (m *Metrics) InferenceFinished() {
	if m == nil {
		return
	}
	m.inferenceInFlight.Dec()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}
