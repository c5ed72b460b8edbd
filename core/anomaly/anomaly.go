// Package anomaly records step and workflow failures of tracked runs for later triage.
package anomaly

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Category classifies what failed.
type Category string

const (
	CategoryStepFailure     Category = "STEP_FAILURE"
	CategoryWorkflowFailure Category = "WORKFLOW_FAILURE"
)

// Anomaly is an append-only failure record.
type Anomaly struct {
	ID           string         `json:"id"`
	Domain       string         `json:"domain"`
	Partition    map[string]any `json:"partition,omitempty"`
	PartitionKey string         `json:"partition_key,omitempty"`
	Workflow     string         `json:"workflow"`
	Step         string         `json:"step,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Severity     Severity       `json:"severity"`
	Category     Category       `json:"category"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Recorder appends anomalies.
type Recorder interface {
	Record(ctx context.Context, a *Anomaly) error
}

// Store is a Recorder that can also list what it recorded, newest first.
type Store interface {
	Recorder
	List(ctx context.Context, domain string, limit int) ([]Anomaly, error)
}

// prepare fills ID and CreatedAt and checks required fields.
func prepare(a *Anomaly, now time.Time) error {
	if a == nil {
		return errors.New("anomaly required")
	}
	if strings.TrimSpace(a.Domain) == "" || strings.TrimSpace(a.Workflow) == "" {
		return errors.New("anomaly domain and workflow required")
	}
	switch a.Severity {
	case SeverityError, SeverityWarning:
	default:
		return errors.New("anomaly severity must be ERROR or WARNING")
	}
	if a.Category == "" {
		return errors.New("anomaly category required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
