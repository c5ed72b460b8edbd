package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	var _ WorkflowMetrics = m
	var _ SchedulerMetrics = m
	m.IncWorkflowStarted("wf")
	m.IncStepRetry("wf", "load", "transient")
	m.IncTick()
	m.SetActiveLocks(2)
}

func TestWorkflowMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewWorkflowProm("stagehand")
	m.IncWorkflowStarted("daily")
	m.IncWorkflowCompleted("daily", "COMPLETED")
	m.ObserveWorkflowDuration("daily", 0.5)
	m.IncStepAttempt("daily", "load", "FAILED")
	m.IncStepRetry("daily", "load", "transient")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "stagehand_workflows_started_total", map[string]string{"workflow": "daily"}) {
		t.Fatalf("expected workflows_started metric")
	}
	if !hasMetric(families, "stagehand_workflows_completed_total", map[string]string{"workflow": "daily", "status": "COMPLETED"}) {
		t.Fatalf("expected workflows_completed metric")
	}
	if !hasMetric(families, "stagehand_workflow_duration_seconds", map[string]string{"workflow": "daily"}) {
		t.Fatalf("expected workflow_duration metric")
	}
	if !hasMetric(families, "stagehand_step_attempts_total", map[string]string{"step": "load", "status": "FAILED"}) {
		t.Fatalf("expected step_attempts metric")
	}
	if !hasMetric(families, "stagehand_step_retries_total", map[string]string{"category": "transient"}) {
		t.Fatalf("expected step_retries metric")
	}
}

func TestSchedulerMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewSchedulerProm("stagehand")
	m.IncTick()
	m.IncScheduleRun("nightly", "STARTED")
	m.IncScheduleSkipped("nightly", "locked")
	m.SetActiveLocks(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "stagehand_scheduler_ticks_total", nil) {
		t.Fatalf("expected ticks metric")
	}
	if !hasMetric(families, "stagehand_schedule_runs_total", map[string]string{"schedule": "nightly", "status": "STARTED"}) {
		t.Fatalf("expected schedule_runs metric")
	}
	if !hasMetric(families, "stagehand_schedule_skipped_total", map[string]string{"reason": "locked"}) {
		t.Fatalf("expected schedule_skipped metric")
	}
	for _, fam := range families {
		if fam.GetName() == "stagehand_scheduler_active_locks" {
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Fatalf("expected active locks 3, got %v", got)
			}
			return
		}
	}
	t.Fatalf("expected active locks gauge")
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewSchedulerProm("stagehand")
	m.IncTick()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
