// Package observability exposes Prometheus metrics for job scheduling.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/stagerun/pkg/model"
)

const namespace = "stagerun"

// Metrics groups the scheduler's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	retries   *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "submissions_total",
				Help:      "number of job submission attempts",
			}, []string{"executor"}),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "retries_total",
				Help:      "number of job resubmissions by failure kind",
			}, []string{"executor", "kind"}),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "outcomes_total",
				Help:      "number of finished job attempts by terminal state",
			}, []string{"executor", "state"}),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "jobs_in_flight",
				Help:      "number of jobs currently submitted and not finished",
			}, []string{"executor"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "job_duration_seconds",
				Help:      "wall-clock duration of successful jobs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
			}, []string{"executor", "stage"}),
	}
	m.registry.MustRegister(m.submitted, m.retries, m.outcomes, m.inFlight, m.duration)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Submitted counts a submission attempt.
func (m *Metrics) Submitted(exec model.ExecutorType) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(exec)).Inc()
}

// Retried counts a resubmission decision.
func (m *Metrics) Retried(exec model.ExecutorType, kind model.FailureKind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(exec), string(kind)).Inc()
}

// Observed counts a terminal attempt state.
func (m *Metrics) Observed(exec model.ExecutorType, state model.JobState) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(exec), string(state)).Inc()
}

// SetInFlight sets the number of in-flight jobs.
func (m *Metrics) SetInFlight(exec model.ExecutorType, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(string(exec)).Set(float64(n))
}

// Finished records the duration of a successful job.
func (m *Metrics) Finished(t model.Timing) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(t.Executor), t.Stage).Observe(t.Duration.Seconds())
}
