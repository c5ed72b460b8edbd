package tracking

import (
	"context"
	"fmt"
	"sync"

	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/workflow"
	"github.com/google/uuid"
)

// LocalSubmitter runs submissions in-process through a Runner. Workflows come from the engine's
// registry; an operation is run as a one-step workflow around the handler of the same name.
type LocalSubmitter struct {
	runner *Runner
	// SkipIfCompleted is applied to every submitted run.
	SkipIfCompleted bool
	// OnResult observes finished runs.
	OnResult func(req workflow.SubmitRequest, res *workflow.RunResult, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalSubmitter builds a submitter whose runs live until Close.
func NewLocalSubmitter(runner *Runner) *LocalSubmitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalSubmitter{runner: runner, ctx: ctx, cancel: cancel}
}

// Submit starts the run in the background and returns its run id.
func (s *LocalSubmitter) Submit(ctx context.Context, req workflow.SubmitRequest) (string, error) {
	wf, err := s.target(req)
	if err != nil {
		return "", err
	}
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("submitter closed: %w", err)
	}
	runID := uuid.NewString()
	opts := Options{
		Partition:       req.Partition,
		SkipIfCompleted: s.SkipIfCompleted,
		Params:          req.Params,
		RunID:           runID,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.runner.Execute(s.ctx, wf, opts)
		if err != nil {
			logging.Error(component, "submitted run failed to start", "run_id", runID, "target", req.Name, "trigger", req.Trigger, "error", err)
		}
		if s.OnResult != nil {
			s.OnResult(req, res, err)
		}
	}()
	logging.Info(component, "run submitted", "run_id", runID, "kind", req.Kind, "target", req.Name, "trigger", req.Trigger, "parent_run_id", req.ParentRunID)
	return runID, nil
}

func (s *LocalSubmitter) target(req workflow.SubmitRequest) (*workflow.Workflow, error) {
	reg := s.runner.Engine().Registry()
	switch req.Kind {
	case workflow.TargetWorkflow, "":
		return reg.Workflow(req.Name)
	case workflow.TargetOperation:
		if _, err := reg.Handler(req.Name); err != nil {
			return nil, err
		}
		return &workflow.Workflow{
			Name:  req.Name,
			Steps: []workflow.Step{{Name: req.Name, Kind: workflow.StepKindHandler, Handler: req.Name}},
		}, nil
	default:
		return nil, fmt.Errorf("unknown target kind %q", req.Kind)
	}
}

// Wait blocks until every submitted run has finished.
func (s *LocalSubmitter) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight runs and waits for them.
func (s *LocalSubmitter) Close() {
	s.cancel()
	s.wg.Wait()
}
