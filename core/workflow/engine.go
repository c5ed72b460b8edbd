package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/metrics"
	"github.com/cordum/stagehand/core/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine runs workflows in-process, sequentially or with a bounded worker pool.
type Engine struct {
	registry  *Registry
	submitter Submitter
	store     RunStore
	metrics   metrics.WorkflowMetrics
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSubmitter sets the collaborator used by operation steps.
func WithSubmitter(s Submitter) EngineOption {
	return func(e *Engine) { e.submitter = s }
}

// WithRunStore enables persistence of run records and timelines.
func WithRunStore(s RunStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.WorkflowMetrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithSleep replaces the wait primitive used for retries and wait steps.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine builds an engine that resolves named handlers through reg.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Engine{
		registry: reg,
		metrics:  metrics.Noop{},
		sleep:    retry.Sleep,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Hooks observe a single run.
type Hooks struct {
	// OnStepStart is called before every attempt.
	OnStepStart func(ctx context.Context, step PlannedStep, attempt int)
	// OnStepFinished is called once per step with its final execution and the context after merging.
	OnStepFinished func(ctx context.Context, step PlannedStep, exec StepExecution, rc RunContext)
}

// ExecuteOptions tunes one run.
type ExecuteOptions struct {
	Params map[string]any
	// Context seeds the run, e.g. with outputs restored from a previous attempt.
	Context   *RunContext
	StartFrom string
	// Completed names steps finished by an earlier run. They are marked completed without running;
	// their outputs are expected in Context.
	Completed []string
	RunID     string
	BatchID   string
	DryRun    bool
	Hooks     Hooks
}

// Execute resolves wf and runs it. A non-nil error means resolution failed and no step ran.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, opts ExecuteOptions) (*RunResult, error) {
	plan, err := Resolve(wf, opts.Params, opts.BatchID)
	if err != nil {
		return nil, err
	}
	return e.ExecutePlan(ctx, plan, opts)
}

// ExecutePlan runs an already resolved plan.
func (e *Engine) ExecutePlan(ctx context.Context, plan *ExecutionPlan, opts ExecuteOptions) (*RunResult, error) {
	if plan == nil || plan.Workflow == nil {
		return nil, &ConfigError{Reason: "plan is empty"}
	}
	startIdx := 0
	if opts.StartFrom != "" {
		idx, ok := plan.Index(opts.StartFrom)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("start_from step %q not found", opts.StartFrom)}
		}
		startIdx = idx
	}
	for _, name := range opts.Completed {
		if _, ok := plan.Index(name); !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("completed step %q not found", name)}
		}
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	wf := plan.Workflow

	var rc RunContext
	if opts.Context != nil {
		rc = *opts.Context
	}
	rc.RunID = runID
	rc = rc.WithParams(MergeParams(wf.Defaults, opts.Params, nil))
	if opts.DryRun {
		rc = rc.WithDryRun(true)
	}

	run := &runState{
		engine:  e,
		plan:    plan,
		wf:      wf,
		runID:   runID,
		hooks:   opts.Hooks,
		cell:    newContextCell(rc),
		status:  make(map[string]StepStatus, len(plan.Steps)),
		blocked: map[string]bool{},
		started: e.now(),
	}
	for i := 0; i < startIdx; i++ {
		run.status[plan.Steps[i].Step.Name] = StepStatusCompleted
	}
	for _, name := range opts.Completed {
		run.status[name] = StepStatusCompleted
	}

	e.metrics.IncWorkflowStarted(wf.Name)
	logging.Info("workflow-engine", "run started", "run_id", runID, "workflow", wf.Name, "steps", len(plan.Steps), "start_from", opts.StartFrom, "dry_run", rc.DryRun)
	e.persistStart(ctx, run)
	run.replayBranches(ctx)

	if wf.Policy.Mode == ModeParallel {
		run.runParallel(ctx)
	} else {
		run.runSequential(ctx)
	}

	res := run.result(ctx)
	e.metrics.IncWorkflowCompleted(wf.Name, string(res.Status))
	e.metrics.ObserveWorkflowDuration(wf.Name, res.Duration.Seconds())
	logging.Info("workflow-engine", "run finished", "run_id", runID, "workflow", wf.Name, "status", res.Status, "duration", res.Duration, "error_step", res.ErrorStep)
	e.persistFinish(ctx, run, res)
	return res, nil
}

// runState is the bookkeeping of one run. status and blocked are owned by the dispatching goroutine.
type runState struct {
	engine  *Engine
	plan    *ExecutionPlan
	wf      *Workflow
	runID   string
	hooks   Hooks
	cell    *contextCell
	started time.Time

	mu    sync.Mutex
	execs []StepExecution

	status    map[string]StepStatus
	blocked   map[string]bool
	stopped   bool
	partial   bool
	cancelled bool
	errorStep string
	errMsg    string
}

type stepOutcome struct {
	step   PlannedStep
	result StepResult
	exec   StepExecution
	ran    bool
}

func (r *runState) runSequential(ctx context.Context) {
	for _, ps := range r.plan.Steps {
		name := ps.Step.Name
		if _, seen := r.status[name]; seen {
			continue
		}
		if r.stopped {
			return
		}
		if ctx.Err() != nil {
			return
		}
		ready, blocked := r.depState(ps)
		if blocked || !ready {
			r.skip(ctx, ps, true, "dependency did not complete")
			continue
		}
		r.status[name] = StepStatusRunning
		out := r.execute(ctx, ps, r.cell.Load())
		if !out.ran {
			delete(r.status, name)
			return
		}
		r.complete(ctx, out)
	}
}

func (r *runState) runParallel(ctx context.Context) {
	limit := r.wf.Policy.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	done := make(chan stepOutcome, len(r.plan.Steps))
	running := 0

	for {
		if !r.stopped && ctx.Err() == nil {
			for _, ps := range r.plan.Steps {
				name := ps.Step.Name
				if _, seen := r.status[name]; seen {
					continue
				}
				ready, blocked := r.depState(ps)
				if blocked {
					r.skip(ctx, ps, true, "dependency did not complete")
					continue
				}
				if !ready {
					continue
				}
				if running >= limit {
					break
				}
				snapshot := r.cell.Load()
				r.status[name] = StepStatusRunning
				running++
				// done is buffered for every step, so workers never block and Go only waits
				// for a finishing worker to release its slot.
				g.Go(func() error {
					done <- r.execute(ctx, ps, snapshot)
					return nil
				})
			}
		}
		if running == 0 {
			break
		}
		out := <-done
		running--
		if !out.ran {
			delete(r.status, out.step.Step.Name)
			continue
		}
		r.complete(ctx, out)
	}
	_ = g.Wait()
}

// depState reports whether every dependency is satisfied, and whether any can never be.
// A step skipped by a branch satisfies its dependents; a failed step and anything skipped
// because of it does not.
func (r *runState) depState(ps PlannedStep) (ready bool, blocked bool) {
	ready = true
	for _, dep := range ps.Step.DependsOn {
		switch r.status[dep] {
		case StepStatusCompleted:
		case StepStatusSkipped:
			if r.blocked[dep] {
				blocked = true
			}
		case StepStatusFailed:
			blocked = true
		default:
			ready = false
		}
	}
	return ready, blocked
}

// execute runs every attempt of a step. ran is false when cancellation prevented the first attempt.
func (r *runState) execute(ctx context.Context, ps PlannedStep, rc RunContext) stepOutcome {
	e := r.engine
	step := ps.Step
	rc = rc.WithParams(step.Params)
	out := stepOutcome{step: ps}
	_ = retry.Do(ctx, r.strategyFor(step), func(ctx context.Context, attempt int) error {
		if r.hooks.OnStepStart != nil {
			r.hooks.OnStepStart(ctx, ps, attempt+1)
		}
		started := e.now()
		res := e.runStep(ctx, r, ps, rc)
		exec := StepExecution{
			StepName:  step.Name,
			Status:    StepStatusCompleted,
			Attempt:   attempt + 1,
			StartedAt: started,
			Duration:  e.now().Sub(started),
			Result:    &res,
		}
		if !res.Success {
			exec.Status = StepStatusFailed
		}
		r.record(ctx, exec)
		out.result, out.exec, out.ran = res, exec, true
		return res.Err()
	},
		retry.WithSleep(e.sleep),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			category := retry.CategoryOf(err)
			e.metrics.IncStepRetry(r.wf.Name, step.Name, string(category))
			logging.Warn("workflow-engine", "retrying step", "run_id", r.runID, "step", step.Name, "attempt", attempt+1, "category", category, "delay", delay, "error", err)
		}),
	)
	return out
}

func (r *runState) strategyFor(step Step) retry.Strategy {
	if step.OnError != OnErrorRetry && step.Retry == nil {
		return retry.None{}
	}
	policy := retry.DefaultPolicy()
	if step.Retry != nil {
		policy = *step.Retry
	}
	strategy, err := policy.Build()
	if err != nil {
		return retry.None{}
	}
	return strategy
}

func (r *runState) complete(ctx context.Context, out stepOutcome) {
	ps, res := out.step, out.result
	name := ps.Step.Name
	var rc RunContext
	if res.Success {
		rc = r.cell.Merge(name, res)
		r.status[name] = StepStatusCompleted
		r.jump(ctx, ps, res.NextStep)
	} else {
		rc = r.cell.Load()
		r.status[name] = StepStatusFailed
		switch {
		case ctx.Err() != nil:
			r.cancelled = true
		case r.wf.FailurePolicy(ps.Step) == OnErrorStop:
			r.stopped = true
			r.errorStep = name
			r.errMsg = res.Error
		default:
			r.partial = true
			if r.errorStep == "" {
				r.errorStep = name
				r.errMsg = res.Error
			}
		}
		logging.Error("workflow-engine", "step failed", "run_id", r.runID, "step", name, "attempts", out.exec.Attempt, "category", res.Category, "error", res.Error)
	}
	if r.hooks.OnStepFinished != nil {
		r.hooks.OnStepFinished(ctx, ps, out.exec, rc)
	}
}

// jump skips the not-yet-seen steps between a branch and its target.
func (r *runState) jump(ctx context.Context, branch PlannedStep, target string) {
	if target == "" {
		return
	}
	idx, ok := r.plan.Index(target)
	if !ok {
		return
	}
	for k := branch.SequenceOrder + 1; k < idx; k++ {
		between := r.plan.Steps[k]
		if _, seen := r.status[between.Step.Name]; !seen {
			r.skip(ctx, between, false, "branch "+branch.Step.Name+" jumped to "+target)
		}
	}
}

// replayBranches re-applies the jump of every branch that completed before this run started.
func (r *runState) replayBranches(ctx context.Context) {
	rc := r.cell.Load()
	for _, ps := range r.plan.Steps {
		if ps.Step.Kind != StepKindBranch || r.status[ps.Step.Name] != StepStatusCompleted {
			continue
		}
		out, ok := rc.Output(ps.Step.Name)
		if !ok {
			continue
		}
		target, _ := out["next_step"].(string)
		r.jump(ctx, ps, target)
	}
}

func (r *runState) skip(ctx context.Context, ps PlannedStep, blocked bool, reason string) {
	name := ps.Step.Name
	r.status[name] = StepStatusSkipped
	r.blocked[name] = blocked
	if blocked {
		r.partial = true
	}
	exec := StepExecution{
		StepName:  name,
		Status:    StepStatusSkipped,
		StartedAt: r.engine.now(),
		Result:    &StepResult{Success: false, Error: reason},
	}
	r.record(ctx, exec)
	if r.hooks.OnStepFinished != nil {
		r.hooks.OnStepFinished(ctx, ps, exec, r.cell.Load())
	}
}

func (r *runState) record(ctx context.Context, exec StepExecution) {
	r.mu.Lock()
	r.execs = append(r.execs, exec)
	r.mu.Unlock()
	r.engine.metrics.IncStepAttempt(r.wf.Name, exec.StepName, string(exec.Status))
	if r.engine.store == nil {
		return
	}
	evt := &TimelineEvent{
		Time:    exec.StartedAt,
		Type:    EventStepAttempt,
		Step:    exec.StepName,
		Status:  string(exec.Status),
		Attempt: exec.Attempt,
	}
	if exec.Status == StepStatusSkipped {
		evt.Type = EventStepSkipped
	}
	if exec.Result != nil && !exec.Result.Success {
		evt.Message = exec.Result.Error
	}
	if err := r.engine.store.AppendTimelineEvent(context.WithoutCancel(ctx), r.runID, evt); err != nil {
		logging.Error("workflow-engine", "append timeline", "run_id", r.runID, "error", err)
	}
}

func (r *runState) result(ctx context.Context) *RunResult {
	pending := false
	for _, ps := range r.plan.Steps {
		if _, seen := r.status[ps.Step.Name]; !seen {
			pending = true
			break
		}
	}
	if ctx.Err() != nil && pending {
		r.cancelled = true
	}
	res := &RunResult{
		RunID:     r.runID,
		BatchID:   r.plan.BatchID,
		Workflow:  r.wf.Name,
		Context:   r.cell.Load(),
		ErrorStep: r.errorStep,
		Error:     r.errMsg,
		StartedAt: r.started,
		Duration:  r.engine.now().Sub(r.started),
	}
	r.mu.Lock()
	res.StepExecutions = append([]StepExecution(nil), r.execs...)
	r.mu.Unlock()
	switch {
	case r.stopped:
		res.Status = RunStatusFailed
	case r.cancelled:
		res.Status = RunStatusCancelled
		if res.Error == "" && ctx.Err() != nil {
			res.Error = ctx.Err().Error()
		}
	case r.partial:
		res.Status = RunStatusPartial
	default:
		res.Status = RunStatusCompleted
	}
	return res
}

func (e *Engine) persistStart(ctx context.Context, r *runState) {
	if e.store == nil {
		return
	}
	rc := r.cell.Load()
	rec := &RunRecord{
		ID:        r.runID,
		Workflow:  r.wf.Name,
		Domain:    r.wf.DomainOrName(),
		Version:   r.wf.Version,
		BatchID:   r.plan.BatchID,
		Partition: rc.Partition,
		Status:    RunStatusRunning,
		DryRun:    rc.DryRun,
		StartedAt: r.started,
	}
	if err := e.store.CreateRun(ctx, rec); err != nil {
		logging.Error("workflow-engine", "create run record", "run_id", r.runID, "error", err)
		return
	}
	_ = e.store.AppendTimelineEvent(ctx, r.runID, &TimelineEvent{Time: r.started, Type: EventRunStarted})
}

func (e *Engine) persistFinish(ctx context.Context, r *runState, res *RunResult) {
	if e.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	completed := r.started.Add(res.Duration)
	rec := &RunRecord{
		ID:             res.RunID,
		Workflow:       res.Workflow,
		Domain:         r.wf.DomainOrName(),
		Version:        r.wf.Version,
		BatchID:        res.BatchID,
		Partition:      res.Context.Partition,
		Status:         res.Status,
		DryRun:         res.Context.DryRun,
		StepExecutions: res.StepExecutions,
		ErrorStep:      res.ErrorStep,
		Error:          res.Error,
		StartedAt:      res.StartedAt,
		CompletedAt:    &completed,
	}
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		logging.Error("workflow-engine", "update run record", "run_id", res.RunID, "error", err)
	}
	_ = e.store.AppendTimelineEvent(ctx, res.RunID, &TimelineEvent{Time: completed, Type: EventRunFinished, Status: string(res.Status), Step: res.ErrorStep, Message: res.Error})
}
