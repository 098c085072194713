package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	VideoJobsStarted  prometheus.Counter
	VideoJobPolls     *prometheus.CounterVec
	VideoJobsFinished *prometheus.CounterVec

	SyncOperations *prometheus.CounterVec

	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry so tests never share state.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		VideoJobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grokbud_video_jobs_started_total",
			Help: "Video generation requests accepted by the model API.",
		}),
		VideoJobPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grokbud_video_job_polls_total",
			Help: "Video status polls by result.",
		}, []string{"result"}),
		VideoJobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grokbud_video_jobs_finished_total",
			Help: "Video jobs that reached a terminal status.",
		}, []string{"status"}),
		SyncOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grokbud_sync_operations_total",
			Help: "Remote mirror operations by outcome.",
		}, []string{"operation", "status"}),
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grokbud_http_requests_total",
			Help: "Local API requests.",
		}, []string{"method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grokbud_http_request_duration_seconds",
			Help:    "Local API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.VideoJobsStarted,
		m.VideoJobPolls,
		m.VideoJobsFinished,
		m.SyncOperations,
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.VideoJobsStarted.Inc()
}

// JobPolled records one status poll; result is pending, done, failed or error.
func (m *Metrics) JobPolled(result string) {
	if m == nil {
		return
	}
	m.VideoJobPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.VideoJobsFinished.WithLabelValues(status).Inc()
}

// SyncResult records one remote mirror attempt.
func (m *Metrics) SyncResult(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SyncOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) SyncSkipped(operation string) {
	if m == nil {
		return
	}
	m.SyncOperations.WithLabelValues(operation, "skipped").Inc()
}

func (m *Metrics) ObserveHTTP(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(seconds)
}
