package workflow

import "context"

// TargetKind distinguishes what a submission starts.
type TargetKind string

const (
	TargetWorkflow  TargetKind = "workflow"
	TargetOperation TargetKind = "operation"
)

// SubmitRequest asks an executor to start a workflow or operation.
type SubmitRequest struct {
	Kind        TargetKind     `json:"kind"`
	Name        string         `json:"name"`
	Params      map[string]any `json:"params,omitempty"`
	Partition   map[string]any `json:"partition,omitempty"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	// Trigger identifies the caller, e.g. "schedule:<id>" or "step:<run>/<step>".
	Trigger string `json:"trigger,omitempty"`
}

// Submitter starts a run elsewhere and returns its external run id without waiting for it.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, req SubmitRequest) (string, error)

func (f SubmitterFunc) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return f(ctx, req)
}
