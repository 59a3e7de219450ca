package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are boring counters: every value is explainable from job Results.
// All methods are safe on a nil receiver so callers never need to check.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  *prometheus.GaugeVec
	jobDuration  *prometheus.HistogramVec

	iterations        prometheus.Counter
	iterationDuration prometheus.Histogram
	iterationFailed   prometheus.Gauge

	readyWait *prometheus.HistogramVec

	hostCPUs         prometheus.Gauge
	hostMemTotal     prometheus.Gauge
	hostMemAvailable prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexp_jobs_started_total",
				Help: "Processes spawned, by role",
			},
			[]string{"role"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rexp_jobs_finished_total",
				Help: "Processes joined, by role and terminal reason",
			},
			[]string{"role", "reason"},
		),
		jobsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rexp_jobs_running",
				Help: "Processes currently running, by role",
			},
			[]string{"role"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rexp_job_duration_seconds",
				Help:    "Wall time of joined processes",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"role"},
		),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rexp_iterations_total",
			Help: "Iterations fully joined",
		}),
		iterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rexp_iteration_duration_seconds",
			Help:    "Wall time from first spawn to last join",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		iterationFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rexp_last_iteration_failed_jobs",
			Help: "Failed jobs in the most recent iteration",
		}),
		readyWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rexp_server_ready_wait_seconds",
				Help:    "Time from server spawn until it accepted connections",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"outcome"},
		),
		hostCPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rexp_host_cpus",
			Help: "Logical CPUs on the orchestrating host",
		}),
		hostMemTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rexp_host_memory_total_bytes",
			Help: "Total memory on the orchestrating host",
		}),
		hostMemAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rexp_host_memory_available_bytes",
			Help: "Available memory when the run started",
		}),
	}

	m.registry.MustRegister(
		m.jobsStarted,
		m.jobsFinished,
		m.jobsRunning,
		m.jobDuration,
		m.iterations,
		m.iterationDuration,
		m.iterationFailed,
		m.readyWait,
		m.hostCPUs,
		m.hostMemTotal,
		m.hostMemAvailable,
	)
	return m
}

// Registry exposes the collectors for HTTP or textfile export
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// JobStarted is called right after a process is spawned
func (m *Metrics) JobStarted(role Role) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(string(role)).Inc()
	m.jobsRunning.WithLabelValues(string(role)).Inc()
}

// JobFinished records a joined process. started tells whether JobStarted was
// called for it (spawn failures and skipped jobs never ran).
func (m *Metrics) JobFinished(r *Result, started bool) {
	if m == nil || r == nil {
		return
	}
	role := string(r.Role)
	if started {
		m.jobsRunning.WithLabelValues(role).Dec()
		m.jobDuration.WithLabelValues(role).Observe(r.Duration.Seconds())
	}
	m.jobsFinished.WithLabelValues(role, string(r.Reason)).Inc()
}

// IterationFinished records a fully joined iteration
func (m *Metrics) IterationFinished(d time.Duration, failed int) {
	if m == nil {
		return
	}
	m.iterations.Inc()
	m.iterationDuration.Observe(d.Seconds())
	m.iterationFailed.Set(float64(failed))
}

// ServerReady records how long a readiness wait took
func (m *Metrics) ServerReady(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "ready"
	if !ok {
		outcome = "not_ready"
	}
	m.readyWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetHost records the host snapshot taken at run start
func (m *Metrics) SetHost(cpus int, memTotal, memAvailable uint64) {
	if m == nil {
		return
	}
	m.hostCPUs.Set(float64(cpus))
	m.hostMemTotal.Set(float64(memTotal))
	m.hostMemAvailable.Set(float64(memAvailable))
}
