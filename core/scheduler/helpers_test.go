package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cordum/stagehand/core/infra/locks"
	"github.com/cordum/stagehand/core/workflow"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubSubmitter struct {
	mu       sync.Mutex
	requests []workflow.SubmitRequest
	err      error
	notify   chan struct{}
	// onSubmit runs before the request is recorded. Set it before ticking.
	onSubmit func(req workflow.SubmitRequest)
}

func (s *stubSubmitter) Submit(_ context.Context, req workflow.SubmitRequest) (string, error) {
	if s.onSubmit != nil {
		s.onSubmit(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return "run-" + req.Name, nil
}

func (s *stubSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubSubmitter) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// countingLocker counts sweeps on top of a real in-memory locker.
type countingLocker struct {
	*locks.MemoryStore
	mu     sync.Mutex
	sweeps int
}

func (l *countingLocker) SweepExpired(ctx context.Context) (int, error) {
	l.mu.Lock()
	l.sweeps++
	l.mu.Unlock()
	return l.MemoryStore.SweepExpired(ctx)
}

type fixture struct {
	store     *MemoryStore
	locker    *countingLocker
	submitter *stubSubmitter
	clock     *testClock
	svc       *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	f := &fixture{
		store:     NewMemoryStore(),
		locker:    &countingLocker{MemoryStore: locks.NewMemoryStore(clock.now)},
		submitter: &stubSubmitter{},
		clock:     clock,
	}
	f.svc = f.newService(t, opts...)
	return f
}

// newService builds another instance sharing the fixture's store, locker and clock.
func (f *fixture) newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(f.clock.now)}, opts...)
	svc, err := NewService(f.store, f.locker, f.submitter, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func (f *fixture) register(t *testing.T, sched Schedule) *Schedule {
	t.Helper()
	if sched.TargetType == "" {
		sched.TargetType = workflow.TargetWorkflow
	}
	if sched.TargetName == "" {
		sched.TargetName = "daily_sales"
	}
	if sched.CronExpression == "" && sched.IntervalSeconds == 0 {
		sched.IntervalSeconds = 3600
	}
	sched.Enabled = true
	out, err := f.svc.Register(context.Background(), sched)
	if err != nil {
		t.Fatalf("register %s: %v", sched.Name, err)
	}
	return out
}

func (f *fixture) reload(t *testing.T, name string) *Schedule {
	t.Helper()
	sched, err := f.store.GetByName(context.Background(), name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return sched
}

func (f *fixture) runs(t *testing.T, id string) []ScheduleRun {
	t.Helper()
	runs, err := f.store.ListRuns(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return runs
}

// panickingLocker panics on TryAcquire for one resource.
type panickingLocker struct {
	*locks.MemoryStore
	resource string
}

func (l *panickingLocker) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if resource == l.resource {
		panic("lock backend exploded")
	}
	return l.MemoryStore.TryAcquire(ctx, resource, owner, ttl)
}

var errSubmitDown = errors.New("submitter unavailable")

func newLocker(clock *testClock) *locks.MemoryStore {
	return locks.NewMemoryStore(clock.now)
}
