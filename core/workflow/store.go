package workflow

import (
	"context"
	"time"
)

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	Domain         string          `json:"domain,omitempty"`
	Version        string          `json:"version,omitempty"`
	BatchID        string          `json:"batch_id,omitempty"`
	Partition      map[string]any  `json:"partition,omitempty"`
	Status         RunStatus       `json:"status"`
	DryRun         bool            `json:"dry_run,omitempty"`
	StepExecutions []StepExecution `json:"step_executions,omitempty"`
	ErrorStep      string          `json:"error_step,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TimelineEvent is one append-only entry in a run's history.
type TimelineEvent struct {
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	Step    string         `json:"step,omitempty"`
	Status  string         `json:"status,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Timeline event types.
const (
	EventRunStarted  = "run_started"
	EventStepAttempt = "step_attempt"
	EventStepSkipped = "step_skipped"
	EventRunFinished = "run_finished"
)

// RunStore persists run records. Engine persistence is best effort; errors are logged.
type RunStore interface {
	CreateRun(ctx context.Context, run *RunRecord) error
	UpdateRun(ctx context.Context, run *RunRecord) error
	AppendTimelineEvent(ctx context.Context, runID string, event *TimelineEvent) error
}
