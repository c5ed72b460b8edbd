package workflow

import (
	"maps"
	"sync"
)

// RunContext is the immutable state threaded through a run. With* methods return new values
// and never touch the receiver's maps.
type RunContext struct {
	RunID     string                    `json:"run_id"`
	Params    map[string]any            `json:"params,omitempty"`
	Outputs   map[string]map[string]any `json:"outputs,omitempty"`
	Partition map[string]any            `json:"partition,omitempty"`
	DryRun    bool                      `json:"dry_run,omitempty"`
}

// NewRunContext builds a context for runID.
func NewRunContext(runID string, params map[string]any) RunContext {
	return RunContext{RunID: runID, Params: maps.Clone(params)}
}

// WithOutput returns a copy with output stored under step. The last write for a step wins.
func (c RunContext) WithOutput(step string, output map[string]any) RunContext {
	next := c
	next.Outputs = make(map[string]map[string]any, len(c.Outputs)+1)
	maps.Copy(next.Outputs, c.Outputs)
	next.Outputs[step] = maps.Clone(output)
	if next.Outputs[step] == nil {
		next.Outputs[step] = map[string]any{}
	}
	return next
}

// WithParams returns a copy with updates merged over the current params.
func (c RunContext) WithParams(updates map[string]any) RunContext {
	next := c
	next.Params = make(map[string]any, len(c.Params)+len(updates))
	maps.Copy(next.Params, c.Params)
	maps.Copy(next.Params, updates)
	return next
}

// WithPartition returns a copy bound to partition.
func (c RunContext) WithPartition(partition map[string]any) RunContext {
	next := c
	next.Partition = maps.Clone(partition)
	return next
}

// WithDryRun returns a copy with the dry-run flag set.
func (c RunContext) WithDryRun(dry bool) RunContext {
	next := c
	next.DryRun = dry
	return next
}

// Param returns a single param.
func (c RunContext) Param(key string) (any, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// Output returns the output recorded for step.
func (c RunContext) Output(step string) (map[string]any, bool) {
	out, ok := c.Outputs[step]
	return out, ok
}

// Scope is the variable scope used by condition and for_each expressions.
func (c RunContext) Scope() map[string]any {
	outputs := make(map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"run_id":    c.RunID,
		"params":    c.Params,
		"outputs":   outputs,
		"partition": c.Partition,
		"dry_run":   c.DryRun,
	}
}

// contextCell is the single writer point for a run's context. Readers take snapshots.
type contextCell struct {
	mu  sync.RWMutex
	cur RunContext
}

func newContextCell(rc RunContext) *contextCell {
	return &contextCell{cur: rc}
}

func (c *contextCell) Load() RunContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Merge applies a successful step result: output under the step name, context updates into params.
func (c *contextCell) Merge(step string, res StepResult) RunContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cur.WithOutput(step, res.Output)
	if len(res.ContextUpdates) > 0 {
		next = next.WithParams(res.ContextUpdates)
	}
	c.cur = next
	return next
}
