// Package metrics exposes Prometheus metrics for repository locks and node
// initialization jobs.
//
// Metrics live in their own registry so tests and multiple engines in one
// process never collide on the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/progress"
)

const namespace = "canopy"

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	// LockAcquisitions counts repository lock acquisitions.
	// Labels: repository
	LockAcquisitions *prometheus.CounterVec

	// LockWait measures time spent waiting for a repository lock.
	LockWait prometheus.Histogram

	// LockHolders is 1 while a repository's lock is held.
	// Labels: repository
	LockHolders *prometheus.GaugeVec

	// JobsInflight is the number of initialization jobs running.
	JobsInflight prometheus.Gauge

	// JobsTotal counts finished jobs.
	// Labels: outcome (ready, failed, cancelled)
	JobsTotal *prometheus.CounterVec

	// StepDuration measures how long each initialization step took.
	// Labels: step
	StepDuration *prometheus.HistogramVec
}

// New creates and registers all collectors in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repo_lock_acquisitions_total",
				Help:      "Total repository lock acquisitions by repository",
			},
			[]string{"repository"},
		),
		LockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repo_lock_wait_seconds",
				Help:      "Time spent waiting to acquire a repository lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
		LockHolders: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repo_lock_holders",
				Help:      "Number of holders of a repository lock (0 or 1)",
			},
			[]string{"repository"},
		),
		JobsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "init_jobs_inflight",
				Help:      "Number of node initialization jobs currently running",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "init_jobs_total",
				Help:      "Total finished node initialization jobs by outcome",
			},
			[]string{"outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "init_step_duration_seconds",
				Help:      "Duration of node initialization steps",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"step"},
		),
	}

	m.registry.MustRegister(
		m.LockAcquisitions,
		m.LockWait,
		m.LockHolders,
		m.JobsInflight,
		m.JobsTotal,
		m.StepDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LockAcquired implements jobs.LockObserver.
func (m *Metrics) LockAcquired(repositoryID string, waited time.Duration) {
	m.LockAcquisitions.WithLabelValues(repositoryID).Inc()
	m.LockWait.Observe(waited.Seconds())
	m.LockHolders.WithLabelValues(repositoryID).Inc()
}

// LockReleased implements jobs.LockObserver.
func (m *Metrics) LockReleased(repositoryID string, _ time.Duration) {
	m.LockHolders.WithLabelValues(repositoryID).Dec()
}

// JobStarted records a job entering the orchestrator.
func (m *Metrics) JobStarted(string) {
	m.JobsInflight.Inc()
}

// JobFinished records a job's terminal outcome.
func (m *Metrics) JobFinished(_ string, outcome jobs.Outcome) {
	m.JobsInflight.Dec()
	m.JobsTotal.WithLabelValues(string(outcome)).Inc()
}

// StepCompleted records how long a step took.
func (m *Metrics) StepCompleted(step progress.Step, d time.Duration) {
	m.StepDuration.WithLabelValues(string(step)).Observe(d.Seconds())
}

var _ jobs.LockObserver = (*Metrics)(nil)
