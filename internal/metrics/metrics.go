// Package metrics exposes prometheus instruments for pipeline stages, jobs
// and artifact writes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives stage timings. A nil *Metrics is a valid no-op Recorder.
type Recorder interface {
	ObserveStage(stage string, units int, d time.Duration, err error)
}

// Metrics holds the registered collectors.
type Metrics struct {
	registry  *prometheus.Registry
	stageTime *prometheus.HistogramVec
	units     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	jobs      *prometheus.CounterVec
	artifacts *prometheus.CounterVec
	mirror    *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cellflow",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of parallel pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellflow",
			Name:      "stage_units_total",
			Help:      "Frames or frame pairs processed per stage.",
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellflow",
			Name:      "stage_failures_total",
			Help:      "Stages aborted by a failing unit.",
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellflow",
			Name:      "jobs_total",
			Help:      "Finished jobs by type and status.",
		}, []string{"type", "status"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellflow",
			Name:      "artifacts_written_total",
			Help:      "Artifacts persisted by kind.",
		}, []string{"kind"}),
		mirror: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellflow",
			Name:      "archive_uploads_total",
			Help:      "S3 mirror uploads by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.stageTime, m.units, m.failures, m.jobs, m.artifacts, m.mirror,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveStage(stage string, units int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageTime.WithLabelValues(stage).Observe(d.Seconds())
	m.units.WithLabelValues(stage).Add(float64(units))
	if err != nil {
		m.failures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) JobFinished(jobType string, err error) {
	if m == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	m.jobs.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ArtifactWritten(kind string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind).Inc()
}

func (m *Metrics) MirrorUpload(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mirror.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
