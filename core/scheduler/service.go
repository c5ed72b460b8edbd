package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cordum/stagehand/core/infra/locks"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/metrics"
	"github.com/cordum/stagehand/core/workflow"
	"github.com/google/uuid"
)

const (
	component = "scheduler"

	DefaultTickInterval = 10 * time.Second
	DefaultLockTTL      = 60 * time.Second
	DefaultDueLimit     = 100

	// sweepEvery is how many ticks pass between expired-lock sweeps.
	sweepEvery = 6
)

// State is the service lifecycle state.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
)

// Option configures a Service.
type Option func(*Service)

// WithTickInterval sets how often due schedules are polled.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithLockTTL sets the TTL of per-schedule locks.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithDueLimit caps how many due schedules one tick handles.
func WithDueLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dueLimit = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records tick outcomes.
func WithMetrics(m metrics.SchedulerMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithOwner sets the lock owner id. Defaults to a random uuid.
func WithOwner(owner string) Option {
	return func(s *Service) {
		if strings.TrimSpace(owner) != "" {
			s.owner = owner
		}
	}
}

// Health is a point-in-time view of a Service.
type Health struct {
	State            State     `json:"state"`
	Running          bool      `json:"running"`
	Owner            string    `json:"owner"`
	EnabledSchedules int       `json:"enabled_schedules"`
	ActiveLocks      int       `json:"active_locks"`
	Ticks            int64     `json:"ticks"`
	Processed        int64     `json:"processed"`
	Dispatched       int64     `json:"dispatched"`
	Skipped          int64     `json:"skipped"`
	Failed           int64     `json:"failed"`
	Missed           int64     `json:"missed"`
	LastTick         time.Time `json:"last_tick,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

type counters struct {
	ticks, processed, dispatched, skipped, failed, missed int64
}

// Service polls a Store for due schedules and dispatches them through a Submitter. Several
// Services may share one Store and Locker.
type Service struct {
	store     Store
	locker    locks.Locker
	submitter workflow.Submitter
	metrics   metrics.SchedulerMetrics

	owner        string
	tickInterval time.Duration
	lockTTL      time.Duration
	dueLimit     int
	now          func() time.Time

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	stats     counters
	lastTick  time.Time
	lastError string

	// tickMu serializes ticks so the ticker and manual Tick calls never overlap.
	tickMu sync.Mutex
	// claimed holds the ids of schedules a tick or manual call of this instance is working on.
	// Guarded by mu.
	claimed map[string]struct{}
	// saveMu orders the read-modify-write saves of run bookkeeping and enable toggles.
	saveMu sync.Mutex
}

// NewService builds a stopped Service.
func NewService(store Store, locker locks.Locker, submitter workflow.Submitter, opts ...Option) (*Service, error) {
	if store == nil || locker == nil || submitter == nil {
		return nil, errors.New("scheduler: store, locker and submitter required")
	}
	s := &Service{
		store:        store,
		locker:       locker,
		submitter:    submitter,
		metrics:      metrics.Noop{},
		owner:        "scheduler-" + uuid.NewString(),
		tickInterval: DefaultTickInterval,
		lockTTL:      DefaultLockTTL,
		dueLimit:     DefaultDueLimit,
		now:          func() time.Time { return time.Now().UTC() },
		state:        StateStopped,
		claimed:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Owner returns the id this instance uses when taking locks.
func (s *Service) Owner() string { return s.owner }

// Start launches the tick loop. Starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateRunning
	go s.loop(loopCtx, s.done)
	logging.Info(component, "scheduler started", "owner", s.owner, "tick_interval", s.tickInterval)
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.state = StateStopped
	s.mu.Unlock()
	cancel()
	<-done
	logging.Info(component, "scheduler stopped", "owner", s.owner)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Tick records its own errors in LastError.
			_ = s.Tick(ctx)
		}
	}
}

// Tick handles every due schedule once. Per-schedule problems, panics included, are recorded in
// LastError and do not stop the remaining schedules; the returned error is the first one seen.
func (s *Service) Tick(ctx context.Context) (err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler tick panicked: %v", p)
			s.setLastError(err)
		}
	}()

	now := s.now()
	s.mu.Lock()
	s.stats.ticks++
	tick := s.stats.ticks
	s.lastTick = now
	s.mu.Unlock()
	s.metrics.IncTick()

	var firstErr error
	note := func(err error) {
		if err == nil {
			return
		}
		s.setLastError(err)
		if firstErr == nil {
			firstErr = err
		}
	}

	due, err := s.store.ListDue(ctx, now, s.dueLimit)
	if err != nil {
		note(fmt.Errorf("list due schedules: %w", err))
	}
	for _, sched := range due {
		if ctx.Err() != nil {
			break
		}
		note(s.guard(ctx, sched, now))
	}

	if tick%sweepEvery == 0 {
		note(s.sweep(ctx))
	}
	return firstErr
}

// guard runs process and turns a panic into a failed schedule.
func (s *Service) guard(ctx context.Context, sched *Schedule, now time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.count(func(c *counters) { c.failed++ })
			s.metrics.IncScheduleRun(sched.Name, string(RunFailed))
			err = fmt.Errorf("schedule %s panicked: %v", sched.Name, p)
		}
	}()
	return s.process(ctx, sched, now)
}

// process runs one due schedule through lock, misfire check and dispatch.
func (s *Service) process(ctx context.Context, listed *Schedule, now time.Time) error {
	if !s.claim(listed.ID) {
		s.skip(ctx, listed, now, "busy in this instance", "busy")
		return nil
	}
	defer s.unclaim(listed.ID)
	resource := listed.LockResource()
	acquired, err := s.locker.TryAcquire(ctx, resource, s.owner, s.lockTTL)
	if err != nil {
		s.count(func(c *counters) { c.skipped++ })
		s.metrics.IncScheduleSkipped(listed.Name, "lock_error")
		return fmt.Errorf("lock schedule %s: %w", listed.Name, err)
	}
	if !acquired {
		s.skip(ctx, listed, now, "locked by another instance", "locked")
		return nil
	}
	defer s.release(resource)

	// The listing may be stale: another instance can have fired or paused it meanwhile.
	sched, err := s.store.Get(ctx, listed.ID)
	if err != nil {
		return fmt.Errorf("reload schedule %s: %w", listed.Name, err)
	}
	if !sched.Due(now) || !sched.NextRunAt.Equal(listed.NextRunAt) {
		s.skip(ctx, listed, now, "no longer due", "not_due")
		return nil
	}

	s.count(func(c *counters) { c.processed++ })
	scheduledFor := sched.NextRunAt
	if late := now.Sub(scheduledFor); late > sched.MisfireGrace() {
		return s.miss(ctx, sched, now, late)
	}

	run := s.dispatch(ctx, sched, scheduledFor, now, TriggerTick, sched.Params)
	if run.Status != RunStarted {
		return s.persist(ctx, sched, run, false, fmt.Errorf("dispatch schedule %s: %s", sched.Name, run.Error))
	}
	next, err := NextRun(sched, now)
	if err != nil {
		return s.persist(ctx, sched, run, false, err)
	}
	sched.NextRunAt = next
	return s.persist(ctx, sched, run, true, nil)
}

func (s *Service) miss(ctx context.Context, sched *Schedule, now time.Time, late time.Duration) error {
	s.count(func(c *counters) { c.missed++ })
	s.metrics.IncScheduleRun(sched.Name, string(RunMissed))
	logging.Warn(component, "schedule misfired", "schedule", sched.Name, "scheduled_for", sched.NextRunAt, "late", late)
	run := &ScheduleRun{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		ScheduledFor: sched.NextRunAt,
		StartedAt:    now,
		CompletedAt:  &now,
		Status:       RunMissed,
		Error:        fmt.Sprintf("missed by %s (grace %s)", late.Truncate(time.Second), sched.MisfireGrace()),
		Trigger:      TriggerTick,
	}
	next, err := NextRun(sched, now)
	if err == nil {
		sched.NextRunAt = next
	}
	return s.persist(ctx, sched, run, err == nil, err)
}

// dispatch submits the schedule's target and returns the run record. It never touches NextRunAt.
func (s *Service) dispatch(ctx context.Context, sched *Schedule, scheduledFor, now time.Time, trigger TriggerKind, params map[string]any) *ScheduleRun {
	run := &ScheduleRun{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		ScheduledFor: scheduledFor,
		StartedAt:    now,
		Trigger:      trigger,
	}
	externalID, err := s.submit(ctx, workflow.SubmitRequest{
		Kind:      sched.TargetType,
		Name:      sched.TargetName,
		Params:    params,
		Partition: sched.RunPartition(scheduledFor),
		Trigger:   "schedule:" + sched.ID,
	})
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		completed := s.now()
		run.CompletedAt = &completed
		s.count(func(c *counters) { c.failed++ })
		logging.Error(component, "schedule dispatch failed", "schedule", sched.Name, "target", sched.TargetName, "error", err)
	} else {
		run.Status = RunStarted
		run.ExternalRunID = externalID
		s.count(func(c *counters) { c.dispatched++ })
		logging.Info(component, "schedule dispatched", "schedule", sched.Name, "target", sched.TargetName, "run_id", externalID, "trigger", trigger)
	}
	s.metrics.IncScheduleRun(sched.Name, string(run.Status))
	return run
}

// submit hands req to the submitter. A panicking submitter fails the dispatch.
func (s *Service) submit(ctx context.Context, req workflow.SubmitRequest) (id string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("submitter panicked: %v", p)
		}
	}()
	return s.submitter.Submit(ctx, req)
}

// persist stores run and writes the last-run fields onto the latest stored copy of the schedule,
// so a Pause or Resume saved while the run was dispatching is kept. NextRunAt is copied from
// sched only when advance is set. cause is returned unless persisting fails.
func (s *Service) persist(ctx context.Context, sched *Schedule, run *ScheduleRun, advance bool, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.RecordRun(ctx, run); err != nil {
		logging.Error(component, "record schedule run failed", "schedule", sched.Name, "error", err)
		return fmt.Errorf("record run for %s: %w", sched.Name, err)
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	latest, err := s.store.Get(ctx, sched.ID)
	if err != nil {
		logging.Error(component, "reload schedule failed", "schedule", sched.Name, "error", err)
		return fmt.Errorf("reload schedule %s: %w", sched.Name, err)
	}
	startedAt := run.StartedAt
	latest.LastRunAt = &startedAt
	latest.LastRunStatus = run.Status
	latest.LastRunID = run.ExternalRunID
	if advance {
		latest.NextRunAt = sched.NextRunAt
	}
	latest.UpdatedAt = s.now()
	if err := s.store.Save(ctx, latest); err != nil {
		logging.Error(component, "save schedule failed", "schedule", sched.Name, "error", err)
		return fmt.Errorf("save schedule %s: %w", sched.Name, err)
	}
	return cause
}

func (s *Service) skip(ctx context.Context, sched *Schedule, now time.Time, reason, metricReason string) {
	s.count(func(c *counters) { c.skipped++ })
	s.metrics.IncScheduleSkipped(sched.Name, metricReason)
	logging.Debug(component, "schedule skipped", "schedule", sched.Name, "reason", reason)
	run := &ScheduleRun{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		ScheduledFor: sched.NextRunAt,
		StartedAt:    now,
		CompletedAt:  &now,
		Status:       RunSkipped,
		Error:        reason,
		Trigger:      TriggerTick,
	}
	if err := s.store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		logging.Warn(component, "record skipped run failed", "schedule", sched.Name, "error", err)
	}
}

func (s *Service) release(resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.locker.Release(ctx, resource, s.owner); err != nil {
		logging.Warn(component, "release lock failed", "resource", resource, "error", err)
	}
}

func (s *Service) sweep(ctx context.Context) error {
	n, err := s.locker.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep locks: %w", err)
	}
	if n > 0 {
		logging.Info(component, "swept expired locks", "count", n)
	}
	active, err := s.locker.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("count locks: %w", err)
	}
	s.metrics.SetActiveLocks(active)
	return nil
}

// Register validates sched and upserts it by name. An existing schedule keeps its id, creation
// time and run history. A zero NextRunAt is computed from the trigger.
func (s *Service) Register(ctx context.Context, sched Schedule) (*Schedule, error) {
	sched.Name = strings.TrimSpace(sched.Name)
	if err := sched.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	existing, err := s.store.GetByName(ctx, sched.Name)
	switch {
	case err == nil:
		sched.ID = existing.ID
		sched.CreatedAt = existing.CreatedAt
		sched.LastRunAt = existing.LastRunAt
		sched.LastRunStatus = existing.LastRunStatus
		sched.LastRunID = existing.LastRunID
		if sched.NextRunAt.IsZero() && sameTrigger(existing, &sched) {
			sched.NextRunAt = existing.NextRunAt
		}
	case errors.Is(err, ErrScheduleNotFound):
		if sched.ID == "" {
			sched.ID = uuid.NewString()
		}
		sched.CreatedAt = now
	default:
		return nil, err
	}
	if sched.NextRunAt.IsZero() {
		next, err := NextRun(&sched, now)
		if err != nil {
			return nil, err
		}
		sched.NextRunAt = next
	}
	sched.UpdatedAt = now
	if err := s.store.Save(ctx, &sched); err != nil {
		return nil, err
	}
	logging.Info(component, "schedule registered", "schedule", sched.Name, "target", sched.TargetName, "next_run_at", sched.NextRunAt)
	return &sched, nil
}

func sameTrigger(a, b *Schedule) bool {
	return strings.TrimSpace(a.CronExpression) == strings.TrimSpace(b.CronExpression) && a.IntervalSeconds == b.IntervalSeconds
}

// Trigger dispatches the named schedule now, outside its timing. params override the schedule's
// params key by key. NextRunAt is left alone.
func (s *Service) Trigger(ctx context.Context, name string, params map[string]any) (*ScheduleRun, error) {
	sched, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !s.claim(sched.ID) {
		return nil, ErrScheduleBusy
	}
	defer s.unclaim(sched.ID)
	resource := sched.LockResource()
	acquired, err := s.locker.TryAcquire(ctx, resource, s.owner, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock schedule %s: %w", name, err)
	}
	if !acquired {
		return nil, ErrScheduleBusy
	}
	defer s.release(resource)

	if sched, err = s.store.Get(ctx, sched.ID); err != nil {
		return nil, err
	}
	s.count(func(c *counters) { c.processed++ })
	now := s.now()
	run := s.dispatch(ctx, sched, now, now, TriggerManual, workflow.MergeParams(sched.Params, params, nil))
	var dispatchErr error
	if run.Status == RunFailed {
		dispatchErr = fmt.Errorf("dispatch schedule %s: %s", sched.Name, run.Error)
	}
	if err := s.persist(ctx, sched, run, false, dispatchErr); err != nil {
		return run, err
	}
	return run, nil
}

// Pause disables the named schedule.
func (s *Service) Pause(ctx context.Context, name string) (*Schedule, error) {
	return s.setEnabled(ctx, name, false)
}

// Resume enables the named schedule. A NextRunAt already in the past moves to the next future
// firing so a long pause does not produce a burst of misfires.
func (s *Service) Resume(ctx context.Context, name string) (*Schedule, error) {
	return s.setEnabled(ctx, name, true)
}

func (s *Service) setEnabled(ctx context.Context, name string, enabled bool) (*Schedule, error) {
	sched, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	// If another call of this instance holds the schedule, its lock covers this change and its
	// persist keeps the toggle.
	if s.claim(sched.ID) {
		defer s.unclaim(sched.ID)
		resource := sched.LockResource()
		acquired, err := s.locker.TryAcquire(ctx, resource, s.owner, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock schedule %s: %w", name, err)
		}
		if !acquired {
			return nil, ErrScheduleBusy
		}
		defer s.release(resource)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if sched, err = s.store.Get(ctx, sched.ID); err != nil {
		return nil, err
	}
	now := s.now()
	sched.Enabled = enabled
	if enabled && !sched.NextRunAt.After(now) {
		next, err := NextRun(sched, now)
		if err != nil {
			return nil, err
		}
		sched.NextRunAt = next
	}
	sched.UpdatedAt = now
	if err := s.store.Save(ctx, sched); err != nil {
		return nil, err
	}
	logging.Info(component, "schedule enabled changed", "schedule", name, "enabled", enabled, "next_run_at", sched.NextRunAt)
	return sched, nil
}

// Health reports lifecycle state, counters and live store/lock counts. Counting failures are
// returned alongside the partial report.
func (s *Service) Health(ctx context.Context) (Health, error) {
	s.mu.Lock()
	h := Health{
		State:      s.state,
		Running:    s.state == StateRunning,
		Owner:      s.owner,
		Ticks:      s.stats.ticks,
		Processed:  s.stats.processed,
		Dispatched: s.stats.dispatched,
		Skipped:    s.stats.skipped,
		Failed:     s.stats.failed,
		Missed:     s.stats.missed,
		LastTick:   s.lastTick,
		LastError:  s.lastError,
	}
	s.mu.Unlock()

	var errs []error
	enabled, err := s.store.CountEnabled(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	h.EnabledSchedules = enabled
	active, err := s.locker.CountActive(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	h.ActiveLocks = active
	return h, errors.Join(errs...)
}

// claim marks id as being worked on by this instance. It fails while another call holds it.
func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.claimed[id]; busy {
		return false
	}
	s.claimed[id] = struct{}{}
	return true
}

func (s *Service) unclaim(id string) {
	s.mu.Lock()
	delete(s.claimed, id)
	s.mu.Unlock()
}

func (s *Service) count(fn func(*counters)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	logging.Error(component, "scheduler error", "error", err)
}
