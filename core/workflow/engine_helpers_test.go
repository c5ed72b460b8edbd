package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/stagehand/core/retry"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []SubmitRequest
	err      error
}

func (s *recordingSubmitter) Submit(_ context.Context, req SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	return "ext-" + req.Name, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *sleepRecorder) {
	t.Helper()
	sleeper := &sleepRecorder{}
	opts = append([]EngineOption{WithSleep(sleeper.sleep)}, opts...)
	return NewEngine(NewRegistry(), opts...), sleeper
}

func outputHandler(out map[string]any) Handler {
	return func(context.Context, RunContext, map[string]any) (any, error) {
		return out, nil
	}
}

func failingHandler(category retry.Category) Handler {
	return func(context.Context, RunContext, map[string]any) (any, error) {
		return nil, retry.Categorize(errors.New("boom"), category)
	}
}

// flakyHandler fails the first n calls with category, then succeeds.
func flakyHandler(n int32, category retry.Category, calls *atomic.Int32) Handler {
	return func(context.Context, RunContext, map[string]any) (any, error) {
		if calls.Add(1) <= n {
			return nil, retry.Categorize(errors.New("flaky"), category)
		}
		return map[string]any{"ok": true}, nil
	}
}

func handlerStep(name string, h Handler, deps ...string) Step {
	return Step{Name: name, Kind: StepKindHandler, Func: h, DependsOn: deps}
}

func mustExecute(t *testing.T, e *Engine, wf *Workflow, opts ExecuteOptions) *RunResult {
	t.Helper()
	res, err := e.Execute(context.Background(), wf, opts)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func executedSteps(res *RunResult, status StepStatus) []string {
	var out []string
	for _, exec := range res.StepExecutions {
		if exec.Status == status {
			out = append(out, exec.StepName)
		}
	}
	return out
}
