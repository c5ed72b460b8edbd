package workflow

import (
	"context"
	"fmt"

	"github.com/cordum/stagehand/core/retry"
	"golang.org/x/sync/errgroup"
)

// runStep performs a single attempt of ps. Panics are converted into internal failures.
func (e *Engine) runStep(ctx context.Context, r *runState, ps PlannedStep, rc RunContext) (res StepResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Sprintf("step %s panicked: %v", ps.Step.Name, p), retry.CategoryInternal)
		}
	}()
	step := ps.Step
	switch step.Kind {
	case StepKindHandler:
		h, err := e.handlerFor(step)
		if err != nil {
			return FailErr(err)
		}
		return e.invoke(ctx, h, rc, step.Config)
	case StepKindOperation:
		return e.runOperation(ctx, step, rc)
	case StepKindBranch:
		return runBranch(r.plan, ps, rc)
	case StepKindWait:
		return e.runWait(ctx, step)
	case StepKindFanOut:
		return e.runFanOut(ctx, step, rc)
	default:
		return Fail(fmt.Sprintf("unknown step kind %q", step.Kind), retry.CategoryConfiguration)
	}
}

func (e *Engine) handlerFor(step Step) (Handler, error) {
	if step.Func != nil {
		return step.Func, nil
	}
	h, err := e.registry.Handler(step.Handler)
	if err != nil {
		return nil, retry.Categorize(err, retry.CategoryConfiguration)
	}
	return h, nil
}

func (e *Engine) invoke(ctx context.Context, h Handler, rc RunContext, config map[string]any) (res StepResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Sprintf("handler panicked: %v", p), retry.CategoryInternal)
		}
	}()
	return Coerce(h(ctx, rc, config))
}

func (e *Engine) runOperation(ctx context.Context, step Step, rc RunContext) StepResult {
	if rc.DryRun {
		return Ok(map[string]any{"operation": step.Operation, "dry_run": true})
	}
	if e.submitter == nil {
		return Fail("no submitter configured for operation steps", retry.CategoryConfiguration)
	}
	id, err := e.submitter.Submit(ctx, SubmitRequest{
		Kind:        TargetOperation,
		Name:        step.Operation,
		Params:      rc.Params,
		Partition:   rc.Partition,
		ParentRunID: rc.RunID,
		Trigger:     "step:" + rc.RunID + "/" + step.Name,
	})
	if err != nil {
		if retry.CategoryOf(err) == retry.CategoryInternal {
			err = retry.Categorize(err, retry.CategoryDependency)
		}
		return FailErr(fmt.Errorf("submit operation %s: %w", step.Operation, err))
	}
	return Ok(map[string]any{"operation": step.Operation, "external_run_id": id})
}

// runBranch evaluates the condition and points NextStep at the chosen target. Targets must come
// after the branch in plan order.
func runBranch(plan *ExecutionPlan, ps PlannedStep, rc RunContext) StepResult {
	step := ps.Step
	ok, err := EvalBool(step.Condition, rc.Scope())
	if err != nil {
		return Fail(fmt.Sprintf("condition %q: %v", step.Condition, err), retry.CategoryConfiguration)
	}
	target := step.Else
	if ok {
		target = step.Then
	}
	res := Ok(map[string]any{"condition": ok, "next_step": target})
	if target == "" {
		return res
	}
	idx, found := plan.Index(target)
	if !found || idx <= ps.SequenceOrder {
		return Fail(fmt.Sprintf("branch target %q must follow %q in plan order", target, step.Name), retry.CategoryConfiguration)
	}
	res.NextStep = target
	return res
}

func (e *Engine) runWait(ctx context.Context, step Step) StepResult {
	if step.Wait > 0 {
		if err := e.sleep(ctx, step.Wait); err != nil {
			return FailErr(fmt.Errorf("wait interrupted: %w", err))
		}
	}
	return Ok(map[string]any{"waited": step.Wait.String()})
}

// runFanOut invokes the step handler once per for_each item, bounded by MaxParallel.
// Each invocation sees params "item" and "index". The first failing item fails the step.
func (e *Engine) runFanOut(ctx context.Context, step Step, rc RunContext) StepResult {
	items, err := EvalList(step.ForEach, rc.Scope())
	if err != nil {
		return Fail(err.Error(), retry.CategoryConfiguration)
	}
	h, err := e.handlerFor(step)
	if err != nil {
		return FailErr(err)
	}
	limit := step.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	results := make([]StepResult, len(items))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			itemCtx := rc.WithParams(map[string]any{"item": item, "index": i})
			results[i] = e.invoke(ctx, h, itemCtx, step.Config)
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]any, len(results))
	var quality *Quality
	for i, r := range results {
		if !r.Success {
			return FailErr(retry.Categorize(fmt.Errorf("item %d: %s", i, r.Error), r.Category))
		}
		outputs[i] = r.Output
		if r.Quality != nil {
			if quality == nil {
				quality = &Quality{}
			}
			quality.Records += r.Quality.Records
			quality.Valid += r.Quality.Valid
			quality.Invalid += r.Quality.Invalid
		}
	}
	res := Ok(map[string]any{"items": outputs, "count": len(items)})
	res.Quality = quality
	return res
}
