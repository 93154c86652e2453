// Package metrics exposes the scheduler's Prometheus instrumentation:
// active user/worker gauges and per-job-type lifecycle counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	activeUsers   prometheus.Gauge
	activeWorkers prometheus.Gauge
	jobsStarted   *prometheus.CounterVec
	jobsSucceeded *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scheduler",
			Name:      "active_users",
			Help:      "Number of users currently holding an admission slot.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scheduler",
			Name:      "active_workers",
			Help:      "Number of jobs currently running.",
		}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "jobs_started_total",
			Help:      "Jobs that transitioned to RUNNING, by job type.",
		}, []string{"type"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Jobs that transitioned to SUCCEEDED, by job type.",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Jobs that transitioned to FAILED, by job type.",
		}, []string{"type"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "jobs_cancelled_total",
			Help:      "Jobs that transitioned to CANCELLED, by job type.",
		}, []string{"type"}),
	}

	registry.MustRegister(m.activeUsers, m.activeWorkers, m.jobsStarted, m.jobsSucceeded, m.jobsFailed, m.jobsCancelled)
	return m
}

func (m *Metrics) SetActiveUsers(n int)   { m.activeUsers.Set(float64(n)) }
func (m *Metrics) SetActiveWorkers(n int) { m.activeWorkers.Set(float64(n)) }

func (m *Metrics) IncJobsStarted(jobType string)   { m.jobsStarted.WithLabelValues(jobType).Inc() }
func (m *Metrics) IncJobsSucceeded(jobType string) { m.jobsSucceeded.WithLabelValues(jobType).Inc() }
func (m *Metrics) IncJobsFailed(jobType string)    { m.jobsFailed.WithLabelValues(jobType).Inc() }
func (m *Metrics) IncJobsCancelled(jobType string) { m.jobsCancelled.WithLabelValues(jobType).Inc() }

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
