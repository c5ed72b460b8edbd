// Package tracking runs workflows against a manifest so reruns of a partition are idempotent and
// interrupted runs resume where they stopped.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/anomaly"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/manifest"
	"github.com/cordum/stagehand/core/workflow"
	"github.com/google/uuid"
)

const component = "tracked-runner"

// Options tunes one tracked run. Partition wins over PartitionKey when both are set.
type Options struct {
	Partition       map[string]any
	PartitionKey    string
	SkipIfCompleted bool
	StartFrom       string
	Params          map[string]any
	DryRun          bool
	RunID           string
	BatchID         string
}

// Runner wraps an engine with manifest bookkeeping and anomaly reporting.
type Runner struct {
	engine    *workflow.Engine
	manifest  manifest.Store
	anomalies anomaly.Recorder
	now       func() time.Time
}

// NewRunner builds a runner. anomalies may be nil.
func NewRunner(engine *workflow.Engine, store manifest.Store, anomalies anomaly.Recorder) *Runner {
	return &Runner{
		engine:    engine,
		manifest:  store,
		anomalies: anomalies,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Engine exposes the wrapped engine.
func (r *Runner) Engine() *workflow.Engine {
	return r.engine
}

// Execute runs wf for one partition. The error is non-nil only when the workflow does not
// resolve or the manifest cannot be read; step failures are reported in the result.
func (r *Runner) Execute(ctx context.Context, wf *workflow.Workflow, opts Options) (*workflow.RunResult, error) {
	plan, err := workflow.Resolve(wf, opts.Params, opts.BatchID)
	if err != nil {
		return nil, err
	}
	partition, key, err := resolvePartition(opts)
	if err != nil {
		return nil, err
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	execOpts := workflow.ExecuteOptions{
		Params:    opts.Params,
		StartFrom: opts.StartFrom,
		RunID:     runID,
		DryRun:    opts.DryRun,
	}
	if key == "" {
		logging.Warn(component, "no partition supplied, running without manifest tracking", "workflow", wf.Name, "run_id", runID)
		return r.engine.ExecutePlan(ctx, plan, execOpts)
	}

	domain := wf.DomainOrName()
	entry, err := r.manifest.Get(ctx, domain, key)
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return nil, fmt.Errorf("read manifest %s %s: %w", domain, key, err)
	}
	base := workflow.NewRunContext(runID, nil).WithPartition(partition)

	if opts.SkipIfCompleted && entry.Completed() {
		logging.Info(component, "partition already completed, skipping", "workflow", wf.Name, "domain", domain, "partition", key, "run_id", runID)
		return &workflow.RunResult{
			RunID:     runID,
			BatchID:   plan.BatchID,
			Workflow:  wf.Name,
			Status:    workflow.RunStatusCompleted,
			Context:   base,
			StartedAt: r.now(),
			Skipped:   true,
		}, nil
	}

	records, err := r.manifest.Steps(ctx, domain, key)
	if err != nil {
		return nil, fmt.Errorf("read manifest steps %s %s: %w", domain, key, err)
	}
	var done []string
	switch {
	case execOpts.StartFrom != "":
		base = restoreOutputs(plan, execOpts.StartFrom, records, base)
		if stop, ok := plan.Index(execOpts.StartFrom); ok {
			for _, name := range checkpointed(plan, records) {
				if idx, _ := plan.Index(name); idx < stop {
					done = append(done, name)
				}
			}
		}
	case !entry.Completed():
		done = checkpointed(plan, records)
		if len(done) > 0 {
			execOpts.Completed = done
			for _, name := range done {
				base = base.WithOutput(name, records[name].Output)
			}
			logging.Info(component, "resuming from manifest", "workflow", wf.Name, "partition", key, "checkpointed", len(done), "run_id", runID)
		}
	}
	execOpts.Context = &base

	t := &tracker{
		runner:    r,
		wf:        wf,
		domain:    domain,
		key:       key,
		partition: partition,
		runID:     runID,
		dryRun:    opts.DryRun,
	}
	t.seed(done, records)
	t.advance(ctx, manifest.StageStarted, manifest.RankStarted, 0, 0)
	execOpts.Hooks.OnStepFinished = t.onStepFinished

	res, err := r.engine.ExecutePlan(ctx, plan, execOpts)
	if err != nil {
		return nil, err
	}
	t.finish(ctx, res)
	return res, nil
}

func resolvePartition(opts Options) (map[string]any, string, error) {
	partition := opts.Partition
	if len(partition) == 0 && opts.PartitionKey != "" {
		parsed, err := manifest.ParsePartitionKey(opts.PartitionKey)
		if err != nil {
			return nil, "", err
		}
		partition = parsed
	}
	key, err := manifest.PartitionKey(partition)
	if err != nil {
		return nil, "", err
	}
	return partition, key, nil
}

// checkpointed lists, in plan order, the steps an earlier run of the partition completed. Steps
// without a checkpoint, including ones that failed, run again.
func checkpointed(plan *workflow.ExecutionPlan, records map[string]manifest.StepRecord) []string {
	var done []string
	for _, ps := range plan.Steps {
		if _, ok := records[ps.Step.Name]; ok {
			done = append(done, ps.Step.Name)
		}
	}
	return done
}

// restoreOutputs seeds the context with checkpointed outputs of steps before startFrom.
func restoreOutputs(plan *workflow.ExecutionPlan, startFrom string, records map[string]manifest.StepRecord, rc workflow.RunContext) workflow.RunContext {
	stop, ok := plan.Index(startFrom)
	if !ok {
		return rc
	}
	for _, ps := range plan.Steps[:stop] {
		if rec, ok := records[ps.Step.Name]; ok {
			rc = rc.WithOutput(ps.Step.Name, rec.Output)
		}
	}
	return rc
}
