package workflow

import (
	"time"

	"github.com/cordum/stagehand/core/retry"
)

// StepKind identifies how a step is executed. The set is closed.
type StepKind string

const (
	StepKindHandler   StepKind = "handler"
	StepKindOperation StepKind = "operation"
	StepKindBranch    StepKind = "branch"
	StepKindWait      StepKind = "wait"
	StepKindFanOut    StepKind = "fan_out"
)

// Valid reports whether k is a known kind.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindHandler, StepKindOperation, StepKindBranch, StepKindWait, StepKindFanOut:
		return true
	default:
		return false
	}
}

// OnError is a failure policy.
type OnError string

const (
	OnErrorStop     OnError = "stop"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// ExecutionMode selects sequential or bounded-parallel execution.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// DefaultMaxConcurrency bounds the parallel pool when a workflow does not set one.
const DefaultMaxConcurrency = 4

// ErrorCategory classifies step failures; shared with the retry package.
type ErrorCategory = retry.Category

// RunStatus is the final outcome of a workflow run. RUNNING is only observed while a run is in flight.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusPartial   RunStatus = "PARTIAL"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusPartial || s == RunStatusCancelled
}

// StepStatus captures the outcome of one step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// Step is a node in the workflow graph. Steps are treated as immutable once a workflow is defined.
type Step struct {
	Name        string         `json:"name" yaml:"name"`
	Kind        StepKind       `json:"kind" yaml:"kind"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	OnError     OnError        `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Retry       *retry.Policy  `json:"retry,omitempty" yaml:"retry,omitempty"`
	// ConfigSchema, when set, is a JSON schema that Config must satisfy.
	ConfigSchema map[string]any `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`

	// handler / fan_out
	Handler string  `json:"handler,omitempty" yaml:"handler,omitempty"`
	Func    Handler `json:"-" yaml:"-"`
	// operation
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`
	// branch
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      string `json:"then,omitempty" yaml:"then,omitempty"`
	Else      string `json:"else,omitempty" yaml:"else,omitempty"`
	// wait
	Wait time.Duration `json:"wait,omitempty" yaml:"wait,omitempty"`
	// fan_out
	ForEach     string `json:"for_each,omitempty" yaml:"for_each,omitempty"`
	MaxParallel int    `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// Policy is the workflow-level execution policy.
type Policy struct {
	Mode           ExecutionMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	OnFailure      OnError       `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Workflow is a named, ordered set of steps plus default params and an execution policy.
type Workflow struct {
	Name        string         `json:"name" yaml:"name"`
	Domain      string         `json:"domain,omitempty" yaml:"domain,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Defaults    map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Policy      Policy         `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// Step returns the named step.
func (w *Workflow) Step(name string) (*Step, bool) {
	if w == nil {
		return nil, false
	}
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// DomainOrName is the manifest domain for the workflow.
func (w *Workflow) DomainOrName() string {
	if w == nil {
		return ""
	}
	if w.Domain != "" {
		return w.Domain
	}
	return w.Name
}

// FailurePolicy is the stop/continue choice for a failed step: the step's own OnError, else the
// workflow OnFailure, else stop. An exhausted retry policy falls back the same way.
func (w *Workflow) FailurePolicy(step Step) OnError {
	switch step.OnError {
	case OnErrorStop, OnErrorContinue:
		return step.OnError
	}
	if w != nil && w.Policy.OnFailure == OnErrorContinue {
		return OnErrorContinue
	}
	return OnErrorStop
}

// StepExecution records one attempt of a step.
type StepExecution struct {
	StepName  string        `json:"step_name"`
	Status    StepStatus    `json:"status"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Result    *StepResult   `json:"result,omitempty"`
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID          string          `json:"run_id"`
	BatchID        string          `json:"batch_id,omitempty"`
	Workflow       string          `json:"workflow"`
	Status         RunStatus       `json:"status"`
	Context        RunContext      `json:"context"`
	StepExecutions []StepExecution `json:"step_executions,omitempty"`
	ErrorStep      string          `json:"error_step,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
	// Skipped is set when a tracked run short-circuited because the partition was already complete.
	Skipped bool `json:"skipped,omitempty"`
}

// Executions returns the recorded attempts of one step.
func (r *RunResult) Executions(step string) []StepExecution {
	if r == nil {
		return nil
	}
	var out []StepExecution
	for _, exec := range r.StepExecutions {
		if exec.StepName == step {
			out = append(out, exec)
		}
	}
	return out
}

// FinalStatus returns the status of the last recorded attempt of step.
func (r *RunResult) FinalStatus(step string) (StepStatus, bool) {
	execs := r.Executions(step)
	if len(execs) == 0 {
		return "", false
	}
	return execs[len(execs)-1].Status, true
}
