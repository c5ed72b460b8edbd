package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/stagehand/core/workflow"
)

func TestTickMarksLateFiringMissed(t *testing.T) {
	f := newFixture(t)
	now := f.clock.now()
	late := f.register(t, Schedule{Name: "late", MisfireGraceSeconds: 10, NextRunAt: now.Add(-time.Hour)})
	recent := f.register(t, Schedule{Name: "recent", MisfireGraceSeconds: 10, NextRunAt: now.Add(-5 * time.Second)})

	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.submitter.count(); got != 1 {
		t.Fatalf("expected only the recent schedule to dispatch, got %d", got)
	}

	lateRuns := f.runs(t, late.ID)
	if len(lateRuns) != 1 || lateRuns[0].Status != RunMissed {
		t.Fatalf("expected one MISSED run, got %+v", lateRuns)
	}
	if got := f.reload(t, "late"); !got.NextRunAt.After(now) || got.LastRunStatus != RunMissed {
		t.Fatalf("expected missed schedule to move forward, got %+v", got)
	}

	recentRuns := f.runs(t, recent.ID)
	if len(recentRuns) != 1 || recentRuns[0].Status != RunStarted || recentRuns[0].ExternalRunID != "run-daily_sales" {
		t.Fatalf("expected one STARTED run, got %+v", recentRuns)
	}
	got := f.reload(t, "recent")
	if want := now.Add(-5 * time.Second).Add(time.Hour); !got.NextRunAt.Equal(want) {
		t.Fatalf("expected interval phase to be kept: got %s want %s", got.NextRunAt, want)
	}
	if _, err := f.locker.Get(context.Background(), recent.LockResource()); err == nil {
		t.Fatalf("expected lock to be released after dispatch")
	}

	h, err := f.svc.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Ticks != 1 || h.Processed != 2 || h.Dispatched != 1 || h.Missed != 1 || h.Skipped != 0 {
		t.Fatalf("unexpected counters: %+v", h)
	}
}

func TestTickSkipsScheduleLockedElsewhere(t *testing.T) {
	f := newFixture(t)
	sched := f.register(t, Schedule{Name: "nightly", MisfireGraceSeconds: 60, NextRunAt: f.clock.now().Add(-time.Second)})

	if ok, _ := f.locker.TryAcquire(context.Background(), sched.LockResource(), "other-instance", time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.submitter.count() != 0 {
		t.Fatalf("expected no dispatch while locked elsewhere")
	}
	runs := f.runs(t, sched.ID)
	if len(runs) != 1 || runs[0].Status != RunSkipped {
		t.Fatalf("expected skipped run, got %+v", runs)
	}
	h, _ := f.svc.Health(context.Background())
	if h.Skipped != 1 || h.ActiveLocks != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
	if got := f.reload(t, "nightly"); !got.NextRunAt.Equal(sched.NextRunAt) {
		t.Fatalf("skip must not move next_run_at")
	}
}

func TestConcurrentInstancesDispatchOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.register(t, Schedule{
			Name:                "job-" + string(rune('a'+i)),
			MisfireGraceSeconds: 60,
			NextRunAt:           f.clock.now().Add(-time.Second),
		})
	}
	other := f.newService(t)
	if other.Owner() == f.svc.Owner() {
		t.Fatalf("instances must have distinct owners")
	}

	var wg sync.WaitGroup
	for _, svc := range []*Service{f.svc, other} {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			_ = svc.Tick(context.Background())
		}(svc)
	}
	wg.Wait()

	if got := f.submitter.count(); got != 5 {
		t.Fatalf("expected each schedule dispatched exactly once, got %d", got)
	}
	a, _ := f.svc.Health(context.Background())
	b, _ := other.Health(context.Background())
	if a.Dispatched+b.Dispatched != 5 {
		t.Fatalf("expected 5 dispatches across instances, got %d and %d", a.Dispatched, b.Dispatched)
	}
}

func TestStaleListingIsSkippedAfterLock(t *testing.T) {
	f := newFixture(t)
	sched := f.register(t, Schedule{Name: "stale", MisfireGraceSeconds: 60, NextRunAt: f.clock.now().Add(-time.Second)})
	stale := sched.clone()

	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// A second instance that listed the schedule before the first one fired it.
	other := f.newService(t)
	if err := other.process(context.Background(), stale, f.clock.now()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.submitter.count() != 1 {
		t.Fatalf("expected a single dispatch, got %d", f.submitter.count())
	}
	runs := f.runs(t, sched.ID)
	if len(runs) != 2 || runs[0].Status != RunSkipped || runs[1].Status != RunStarted {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestDispatchFailureKeepsNextRun(t *testing.T) {
	f := newFixture(t)
	due := f.clock.now().Add(-time.Second)
	sched := f.register(t, Schedule{Name: "flaky", MisfireGraceSeconds: 300, NextRunAt: due})
	f.submitter.fail(errSubmitDown)

	err := f.svc.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "submitter unavailable") {
		t.Fatalf("expected dispatch error, got %v", err)
	}
	got := f.reload(t, "flaky")
	if !got.NextRunAt.Equal(due) || got.LastRunStatus != RunFailed {
		t.Fatalf("expected next_run_at untouched after failure, got %+v", got)
	}
	runs := f.runs(t, sched.ID)
	if len(runs) != 1 || runs[0].Status != RunFailed || runs[0].Error == "" {
		t.Fatalf("expected FAILED run, got %+v", runs)
	}
	h, _ := f.svc.Health(context.Background())
	if h.Failed != 1 || !strings.Contains(h.LastError, "submitter unavailable") {
		t.Fatalf("unexpected health: %+v", h)
	}

	f.submitter.fail(nil)
	f.clock.advance(10 * time.Second)
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if f.submitter.count() != 1 || f.reload(t, "flaky").LastRunStatus != RunStarted {
		t.Fatalf("expected the next tick to dispatch while still due")
	}
}

func TestSweepRunsEverySixthTick(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		if err := f.svc.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if f.locker.sweeps != 2 {
		t.Fatalf("expected 2 sweeps in 12 ticks, got %d", f.locker.sweeps)
	}
}

func TestTriggerDispatchesImmediately(t *testing.T) {
	f := newFixture(t)
	future := f.clock.now().Add(time.Hour)
	sched := f.register(t, Schedule{
		Name:       "adhoc",
		TargetType: workflow.TargetOperation,
		TargetName: "refresh_cache",
		Params:     map[string]any{"region": "eu", "full": false},
		NextRunAt:  future,
	})

	run, err := f.svc.Trigger(context.Background(), "adhoc", map[string]any{"full": true})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if run.Status != RunStarted || run.Trigger != TriggerManual || run.ExternalRunID != "run-refresh_cache" {
		t.Fatalf("unexpected run: %+v", run)
	}
	req := f.submitter.requests[0]
	if req.Kind != workflow.TargetOperation || req.Params["region"] != "eu" || req.Params["full"] != true || req.Trigger != "schedule:"+sched.ID {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := f.reload(t, "adhoc"); !got.NextRunAt.Equal(future) || got.LastRunID != "run-refresh_cache" {
		t.Fatalf("trigger must not move next_run_at: %+v", got)
	}

	if ok, _ := f.locker.TryAcquire(context.Background(), sched.LockResource(), "other", time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	if _, err := f.svc.Trigger(context.Background(), "adhoc", nil); !errors.Is(err, ErrScheduleBusy) {
		t.Fatalf("expected ErrScheduleBusy, got %v", err)
	}
	if _, err := f.svc.Trigger(context.Background(), "missing", nil); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	f.register(t, Schedule{Name: "hourly", CronExpression: "0 * * * *", MisfireGraceSeconds: 30})

	if _, err := f.svc.Pause(context.Background(), "hourly"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.clock.advance(3 * time.Hour)
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.submitter.count() != 0 {
		t.Fatalf("paused schedule must not dispatch")
	}
	h, _ := f.svc.Health(context.Background())
	if h.EnabledSchedules != 0 {
		t.Fatalf("expected no enabled schedules, got %d", h.EnabledSchedules)
	}

	resumed, err := f.svc.Resume(context.Background(), "hourly")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	now := f.clock.now()
	if !resumed.Enabled || !resumed.NextRunAt.After(now) || resumed.NextRunAt.After(now.Add(time.Hour)) {
		t.Fatalf("expected next run within the coming hour, got %+v", resumed)
	}
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.submitter.count() != 0 {
		t.Fatalf("resume must not fire past slots")
	}
}

func TestRegisterValidatesAndUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := []Schedule{
		{Name: "a", TargetType: workflow.TargetWorkflow, TargetName: "x"},
		{Name: "b", TargetType: workflow.TargetWorkflow, TargetName: "x", CronExpression: "not a cron"},
		{Name: "c", TargetType: workflow.TargetWorkflow, TargetName: "x", CronExpression: "@daily", IntervalSeconds: 5},
		{Name: "d", TargetType: workflow.TargetWorkflow, TargetName: "x", IntervalSeconds: -1},
	}
	for _, sched := range bad {
		if _, err := f.svc.Register(ctx, sched); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("%s: expected ErrInvalidTrigger, got %v", sched.Name, err)
		}
	}
	if _, err := f.svc.Register(ctx, Schedule{Name: "e", TargetType: "shell", TargetName: "x", IntervalSeconds: 5}); err == nil {
		t.Fatalf("expected target type error")
	}

	first := f.register(t, Schedule{Name: "daily", CronExpression: "@daily"})
	if want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC); !first.NextRunAt.Equal(want) {
		t.Fatalf("unexpected first run %s", first.NextRunAt)
	}
	f.clock.advance(time.Hour)
	second := f.register(t, Schedule{Name: "daily", CronExpression: "@daily", TargetName: "other"})
	if second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) || !second.NextRunAt.Equal(first.NextRunAt) {
		t.Fatalf("expected upsert to keep identity and timing: %+v vs %+v", second, first)
	}
	third := f.register(t, Schedule{Name: "daily", IntervalSeconds: 60})
	if want := f.clock.now().Add(time.Minute); !third.NextRunAt.Equal(want) {
		t.Fatalf("expected trigger change to recompute next run, got %s", third.NextRunAt)
	}
}

func TestStartStopLoop(t *testing.T) {
	f := newFixture(t, WithTickInterval(5*time.Millisecond))
	f.submitter.notify = make(chan struct{}, 1)
	f.register(t, Schedule{Name: "loop", MisfireGraceSeconds: 60, NextRunAt: f.clock.now()})

	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	select {
	case <-f.submitter.notify:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the loop to dispatch")
	}
	h, _ := f.svc.Health(context.Background())
	if !h.Running || h.State != StateRunning || h.Ticks == 0 {
		t.Fatalf("unexpected running health: %+v", h)
	}
	f.svc.Stop()
	f.svc.Stop()
	h, _ = f.svc.Health(context.Background())
	if h.Running || h.State != StateStopped {
		t.Fatalf("expected stopped, got %+v", h)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPauseDuringDispatchSurvivesTick(t *testing.T) {
	f := newFixture(t)
	due := f.clock.now().Add(-time.Second)
	sched := f.register(t, Schedule{Name: "nightly", MisfireGraceSeconds: 60, NextRunAt: due})

	var pauseErr error
	var heldDuringPause bool
	f.submitter.onSubmit = func(workflow.SubmitRequest) {
		_, pauseErr = f.svc.Pause(context.Background(), "nightly")
		_, err := f.locker.Get(context.Background(), sched.LockResource())
		heldDuringPause = err == nil
	}
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if pauseErr != nil {
		t.Fatalf("pause: %v", pauseErr)
	}
	if !heldDuringPause {
		t.Fatalf("pause must not release the lock held by the tick")
	}
	got := f.reload(t, "nightly")
	if got.Enabled {
		t.Fatalf("expected pause to survive the tick's save, got %+v", got)
	}
	if got.LastRunStatus != RunStarted || !got.NextRunAt.After(due) {
		t.Fatalf("expected run bookkeeping to be saved, got %+v", got)
	}
	if _, err := f.locker.Get(context.Background(), sched.LockResource()); err == nil {
		t.Fatalf("expected the tick to release its lock")
	}
}

func TestTriggerIsBusyWhileTickDispatches(t *testing.T) {
	f := newFixture(t)
	f.register(t, Schedule{Name: "nightly", MisfireGraceSeconds: 60, NextRunAt: f.clock.now().Add(-time.Second)})

	var triggerErr error
	var triggered bool
	f.submitter.onSubmit = func(workflow.SubmitRequest) {
		if !triggered {
			triggered = true
			_, triggerErr = f.svc.Trigger(context.Background(), "nightly", nil)
		}
	}
	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !errors.Is(triggerErr, ErrScheduleBusy) {
		t.Fatalf("expected ErrScheduleBusy, got %v", triggerErr)
	}
	if f.submitter.count() != 1 {
		t.Fatalf("expected a single dispatch, got %d", f.submitter.count())
	}
}

func TestPanickingSubmitterFailsOnlyItsSchedule(t *testing.T) {
	f := newFixture(t)
	due := f.clock.now().Add(-time.Second)
	bad := f.register(t, Schedule{Name: "bad", TargetName: "exploding", MisfireGraceSeconds: 60, NextRunAt: due})
	f.register(t, Schedule{Name: "good", MisfireGraceSeconds: 60, NextRunAt: due})
	f.submitter.onSubmit = func(req workflow.SubmitRequest) {
		if req.Name == "exploding" {
			panic("submitter exploded")
		}
	}

	err := f.svc.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "submitter panicked") {
		t.Fatalf("expected the panic as tick error, got %v", err)
	}
	if f.submitter.count() != 1 || f.reload(t, "good").LastRunStatus != RunStarted {
		t.Fatalf("expected the healthy schedule to dispatch")
	}
	got := f.reload(t, "bad")
	if got.LastRunStatus != RunFailed || !got.NextRunAt.Equal(due) {
		t.Fatalf("expected failed run with next_run_at kept, got %+v", got)
	}
	runs := f.runs(t, bad.ID)
	if len(runs) != 1 || runs[0].Status != RunFailed || !strings.Contains(runs[0].Error, "submitter exploded") {
		t.Fatalf("expected FAILED run, got %+v", runs)
	}
	if _, err := f.locker.Get(context.Background(), bad.LockResource()); err == nil {
		t.Fatalf("expected lock to be released after the panic")
	}
	h, _ := f.svc.Health(context.Background())
	if h.Failed != 1 || h.Dispatched != 1 || !strings.Contains(h.LastError, "panicked") {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestPanickingLockerIsRecordedAndTickContinues(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	sub := &stubSubmitter{}
	due := clock.now().Add(-time.Second)
	locker := &panickingLocker{MemoryStore: newLocker(clock)}
	svc, err := NewService(store, locker, sub, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	bad, err := svc.Register(context.Background(), Schedule{Name: "a_bad", TargetType: workflow.TargetWorkflow, TargetName: "x", IntervalSeconds: 60, MisfireGraceSeconds: 60, NextRunAt: due, Enabled: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(context.Background(), Schedule{Name: "b_good", TargetType: workflow.TargetWorkflow, TargetName: "y", IntervalSeconds: 60, MisfireGraceSeconds: 60, NextRunAt: due, Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	locker.resource = bad.LockResource()

	err = svc.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "schedule a_bad panicked") {
		t.Fatalf("expected the panic as tick error, got %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("expected the other schedule to dispatch, got %d", sub.count())
	}
	h, _ := svc.Health(context.Background())
	if h.Failed != 1 || !strings.Contains(h.LastError, "lock backend exploded") {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestDispatchCarriesFiringPartition(t *testing.T) {
	f := newFixture(t)
	due := f.clock.now().Add(-time.Second)
	f.register(t, Schedule{Name: "ledger", MisfireGraceSeconds: 60, NextRunAt: due, Partition: map[string]any{"book": "gl"}})

	if err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	req := f.submitter.requests[0]
	if req.Partition["book"] != "gl" || req.Partition[WindowKey] != due.UTC().Format(time.RFC3339) {
		t.Fatalf("unexpected partition: %v", req.Partition)
	}

	bad := Schedule{Name: "x", TargetType: workflow.TargetWorkflow, TargetName: "y", IntervalSeconds: 60, Partition: map[string]any{WindowKey: "fixed"}}
	if _, err := f.svc.Register(context.Background(), bad); err == nil {
		t.Fatalf("expected a static window key to be rejected")
	}
}
