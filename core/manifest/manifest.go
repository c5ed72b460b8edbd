// Package manifest records how far each (domain, partition) has progressed so tracked runs are
// idempotent and resumable. Stages only ever move forward.
package manifest

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned when no entry exists for a domain and partition.
var ErrNotFound = errors.New("manifest: entry not found")

// Stage names a progress point.
type Stage string

const (
	StageStarted   Stage = "STARTED"
	StageCompleted Stage = "COMPLETED"
)

const (
	RankStarted   = 1
	RankCompleted = math.MaxInt32
)

// StepStage is the stage reached after step completes.
func StepStage(step string) Stage {
	return Stage("STEP_" + strings.ToUpper(step))
}

// StepRank orders step stages by their position in the execution plan.
func StepRank(planIndex int) int {
	return 2 + planIndex
}

// Entry is the highest stage reached by one (domain, partition).
type Entry struct {
	Domain       string        `json:"domain"`
	PartitionKey string        `json:"partition_key"`
	Stage        Stage         `json:"stage"`
	Rank         int           `json:"rank"`
	RowCount     int64         `json:"row_count"`
	ExecutionID  string        `json:"execution_id,omitempty"`
	Duration     time.Duration `json:"duration"`
	Version      string        `json:"version,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Completed reports whether the partition finished.
func (e *Entry) Completed() bool {
	return e != nil && e.Stage == StageCompleted
}

// StepRecord is the checkpoint written after a step succeeds.
type StepRecord struct {
	Step        string         `json:"step"`
	Stage       Stage          `json:"stage"`
	RowCount    int64          `json:"row_count"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Output      map[string]any `json:"output,omitempty"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// Store persists manifest entries and step checkpoints.
type Store interface {
	// Get returns ErrNotFound when the partition has never been advanced.
	Get(ctx context.Context, domain, partitionKey string) (*Entry, error)
	// Advance writes entry when its rank is not lower than the stored rank and reports whether
	// it did. The comparison and write are atomic.
	Advance(ctx context.Context, entry Entry) (bool, error)
	RecordStep(ctx context.Context, domain, partitionKey string, rec StepRecord) error
	Steps(ctx context.Context, domain, partitionKey string) (map[string]StepRecord, error)
}

func validateKey(domain, partitionKey string) error {
	if strings.TrimSpace(domain) == "" {
		return errors.New("manifest: domain required")
	}
	if partitionKey == "" {
		return errors.New("manifest: partition key required")
	}
	return nil
}
