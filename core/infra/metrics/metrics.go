package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkflowMetrics captures engine-level workflow metrics.
type WorkflowMetrics interface {
	IncWorkflowStarted(workflow string)
	IncWorkflowCompleted(workflow, status string)
	ObserveWorkflowDuration(workflow string, durationSeconds float64)
	IncStepAttempt(workflow, step, status string)
	IncStepRetry(workflow, step, category string)
}

// SchedulerMetrics captures scheduler tick outcomes.
type SchedulerMetrics interface {
	IncTick()
	IncScheduleRun(schedule, status string)
	IncScheduleSkipped(schedule, reason string)
	SetActiveLocks(n int)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncWorkflowStarted(string)               {}
func (Noop) IncWorkflowCompleted(string, string)     {}
func (Noop) ObserveWorkflowDuration(string, float64) {}
func (Noop) IncStepAttempt(string, string, string)   {}
func (Noop) IncStepRetry(string, string, string)     {}
func (Noop) IncTick()                                {}
func (Noop) IncScheduleRun(string, string)           {}
func (Noop) IncScheduleSkipped(string, string)       {}
func (Noop) SetActiveLocks(int)                      {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Workflow metrics (engine) ---

type workflowProm struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	attempts  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	once      sync.Once
}

// NewWorkflowProm registers workflow collectors on the default registerer.
func NewWorkflowProm(namespace string) WorkflowMetrics {
	w := &workflowProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflow runs started by name",
		}, []string{"workflow"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflow runs completed by name and status",
		}, []string{"workflow", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration seconds by name",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts by workflow, step and status",
		}, []string{"workflow", "step", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retries by workflow, step and error category",
		}, []string{"workflow", "step", "category"}),
	}
	w.once.Do(func() {
		prometheus.MustRegister(w.started, w.completed, w.duration, w.attempts, w.retries)
	})
	return w
}

func (w *workflowProm) IncWorkflowStarted(workflow string) {
	w.started.WithLabelValues(workflow).Inc()
}

func (w *workflowProm) IncWorkflowCompleted(workflow, status string) {
	w.completed.WithLabelValues(workflow, status).Inc()
}

func (w *workflowProm) ObserveWorkflowDuration(workflow string, durationSeconds float64) {
	w.duration.WithLabelValues(workflow).Observe(durationSeconds)
}

func (w *workflowProm) IncStepAttempt(workflow, step, status string) {
	w.attempts.WithLabelValues(workflow, step, status).Inc()
}

func (w *workflowProm) IncStepRetry(workflow, step, category string) {
	w.retries.WithLabelValues(workflow, step, category).Inc()
}

// --- Scheduler metrics ---

type schedulerProm struct {
	ticks       prometheus.Counter
	runs        *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	activeLocks prometheus.Gauge
	once        sync.Once
}

// NewSchedulerProm registers scheduler collectors on the default registerer.
func NewSchedulerProm(namespace string) SchedulerMetrics {
	s := &schedulerProm{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks executed",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Schedule runs recorded by schedule and status",
		}, []string{"schedule", "status"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_skipped_total",
			Help:      "Due schedules skipped by schedule and reason",
		}, []string{"schedule", "reason"}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_active_locks",
			Help:      "Unexpired scheduler locks observed at the last sweep",
		}),
	}
	s.once.Do(func() {
		prometheus.MustRegister(s.ticks, s.runs, s.skipped, s.activeLocks)
	})
	return s
}

func (s *schedulerProm) IncTick() {
	s.ticks.Inc()
}

func (s *schedulerProm) IncScheduleRun(schedule, status string) {
	s.runs.WithLabelValues(schedule, status).Inc()
}

func (s *schedulerProm) IncScheduleSkipped(schedule, reason string) {
	s.skipped.WithLabelValues(schedule, reason).Inc()
}

func (s *schedulerProm) SetActiveLocks(n int) {
	s.activeLocks.Set(float64(n))
}
