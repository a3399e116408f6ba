// Package metrics exposes engine counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/loom/pkg/schema"
)

// Namespace prefixes every metric name.
const Namespace = "loom"

// Task outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeRetried = "retried"
	OutcomeDropped = "dropped"
)

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	tasks          *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	conflicts      *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	poolFailures   *prometheus.CounterVec
	closed         *prometheus.CounterVec
	nonDeterminism *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Tasks handled by workers, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Time spent handling one task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "history",
			Name:      "version_conflicts_total",
			Help:      "History appends rejected by the version check.",
		}, []string{"operation"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "activity",
			Name:      "attempts_total",
			Help:      "Activity attempts, by type and outcome.",
		}, []string{"activity_type", "outcome"}),
		poolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "failures_total",
			Help:      "Pool jobs that returned an error or panicked.",
		}, []string{"reason"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "executions_closed_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"workflow_type", "status"}),
		nonDeterminism: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "workflow",
			Name:      "nondeterminism_total",
			Help:      "Replays whose commands diverged from history.",
		}, []string{"workflow_type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasks, m.taskDuration, m.conflicts, m.attempts, m.poolFailures, m.closed, m.nonDeterminism,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// TaskHandled records one handled task.
func (m *Metrics) TaskHandled(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, outcome).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// VersionConflict records an append lost to a concurrent writer.
func (m *Metrics) VersionConflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

// ActivityAttempt records the outcome of one activity attempt. A nil failure
// counts as completed.
func (m *Metrics) ActivityAttempt(activityType string, f *schema.Failure) {
	if m == nil {
		return
	}
	outcome := "completed"
	if f != nil {
		outcome = string(f.Kind)
	}
	m.attempts.WithLabelValues(activityType, outcome).Inc()
}

// PoolFailure records a failed or panicked pool job.
func (m *Metrics) PoolFailure(reason string) {
	if m == nil {
		return
	}
	m.poolFailures.WithLabelValues(reason).Inc()
}

// ExecutionClosed records a run reaching status.
func (m *Metrics) ExecutionClosed(workflowType string, status schema.ExecutionStatus) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(workflowType, string(status)).Inc()
}

// NonDeterminism records a replay that diverged from history.
func (m *Metrics) NonDeterminism(workflowType string) {
	if m == nil {
		return
	}
	m.nonDeterminism.WithLabelValues(workflowType).Inc()
}
