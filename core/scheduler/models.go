// Package scheduler turns cron and interval triggers into dispatched workflow and operation runs.
// Any number of Service instances may share a Store; a per-schedule lock keeps a firing from being
// dispatched twice.
package scheduler

import (
	"errors"
	"strings"
	"time"

	"github.com/cordum/stagehand/core/workflow"
)

var (
	ErrScheduleNotFound = errors.New("scheduler: schedule not found")
	ErrScheduleBusy     = errors.New("scheduler: schedule locked by another instance")
	ErrInvalidTrigger   = errors.New("scheduler: invalid trigger")
	ErrDuplicateName    = errors.New("scheduler: schedule name already registered")
)

// RunStatus is the outcome recorded for one firing of a schedule.
type RunStatus string

const (
	RunStarted RunStatus = "STARTED"
	RunMissed  RunStatus = "MISSED"
	RunFailed  RunStatus = "FAILED"
	RunSkipped RunStatus = "SKIPPED"
)

// TriggerKind tells a periodic firing apart from a manual one.
type TriggerKind string

const (
	TriggerTick   TriggerKind = "tick"
	TriggerManual TriggerKind = "manual"
)

// Schedule fires TargetName either on CronExpression or every IntervalSeconds. Exactly one of the
// two is set.
type Schedule struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	TargetType          workflow.TargetKind `json:"target_type"`
	TargetName          string              `json:"target_name"`
	CronExpression      string              `json:"cron_expression,omitempty"`
	IntervalSeconds     int64               `json:"interval_seconds,omitempty"`
	Params              map[string]any      `json:"params,omitempty"`
	Partition           map[string]any      `json:"partition,omitempty"`
	NextRunAt           time.Time           `json:"next_run_at"`
	MisfireGraceSeconds int64               `json:"misfire_grace_seconds"`
	Enabled             bool                `json:"enabled"`
	LastRunAt           *time.Time          `json:"last_run_at,omitempty"`
	LastRunStatus       RunStatus           `json:"last_run_status,omitempty"`
	LastRunID           string              `json:"last_run_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s != nil && s.Enabled && !s.NextRunAt.IsZero() && !s.NextRunAt.After(now)
}

// MisfireGrace returns the lateness window as a duration.
func (s *Schedule) MisfireGrace() time.Duration {
	if s.MisfireGraceSeconds <= 0 {
		return 0
	}
	return time.Duration(s.MisfireGraceSeconds) * time.Second
}

// LockResource names the lock guarding this schedule.
func (s *Schedule) LockResource() string {
	return "schedule:" + s.ID
}

func (s *Schedule) clone() *Schedule {
	cp := *s
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	if s.Params != nil {
		cp.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			cp.Params[k] = v
		}
	}
	if s.Partition != nil {
		cp.Partition = make(map[string]any, len(s.Partition))
		for k, v := range s.Partition {
			cp.Partition[k] = v
		}
	}
	return &cp
}

// WindowKey is the partition key carrying the firing time of a scheduled run.
const WindowKey = "window"

// RunPartition returns the manifest partition of the firing at scheduledFor: the static Partition
// keys plus WindowKey set to scheduledFor in RFC 3339. Each firing tracks its own partition, so a
// firing that is dispatched twice runs once.
func (s *Schedule) RunPartition(scheduledFor time.Time) map[string]any {
	out := make(map[string]any, len(s.Partition)+1)
	for k, v := range s.Partition {
		out[k] = v
	}
	out[WindowKey] = scheduledFor.UTC().Format(time.RFC3339)
	return out
}

func (s *Schedule) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("scheduler: schedule name required")
	}
	switch s.TargetType {
	case workflow.TargetWorkflow, workflow.TargetOperation:
	default:
		return errors.New("scheduler: target_type must be workflow or operation")
	}
	if strings.TrimSpace(s.TargetName) == "" {
		return errors.New("scheduler: target_name required")
	}
	if _, ok := s.Partition[WindowKey]; ok {
		return errors.New("scheduler: partition key \"window\" is reserved")
	}
	if s.MisfireGraceSeconds < 0 {
		return errors.New("scheduler: misfire_grace_seconds must not be negative")
	}
	return validateTrigger(s)
}

// ScheduleRun is one entry in a schedule's append-only run history.
type ScheduleRun struct {
	ID            string      `json:"id"`
	ScheduleID    string      `json:"schedule_id"`
	ScheduledFor  time.Time   `json:"scheduled_for"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Status        RunStatus   `json:"status"`
	ExternalRunID string      `json:"external_run_id,omitempty"`
	Error         string      `json:"error,omitempty"`
	Trigger       TriggerKind `json:"trigger"`
}
