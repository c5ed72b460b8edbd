package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	defaultRunsLimit = 50
	maxRunsKept      = 1000
)

// Store persists schedules and their run history. ListDue only returns enabled schedules.
type Store interface {
	Save(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	GetByName(ctx context.Context, name string) (*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	CountEnabled(ctx context.Context) (int, error)
	RecordRun(ctx context.Context, run *ScheduleRun) error
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error)
}

// MemoryStore keeps schedules in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	runs      map[string][]ScheduleRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: map[string]*Schedule{}, runs: map[string][]ScheduleRun{}}
}

func (m *MemoryStore) Save(_ context.Context, s *Schedule) error {
	if s == nil || s.ID == "" {
		return ErrScheduleNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cur := range m.schedules {
		if id != s.ID && cur.Name == s.Name {
			return ErrDuplicateName
		}
	}
	m.schedules[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) GetByName(_ context.Context, name string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.schedules {
		if s.Name == name {
			return s.clone(), nil
		}
	}
	return nil, ErrScheduleNotFound
}

func (m *MemoryStore) List(context.Context) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if s.Due(now) {
			out = append(out, s.clone())
		}
	}
	sortDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountEnabled(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.schedules {
		if s.Enabled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, run *ScheduleRun) error {
	if run == nil || run.ScheduleID == "" {
		return ErrScheduleNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := append([]ScheduleRun{*run}, m.runs[run.ScheduleID]...)
	if len(runs) > maxRunsKept {
		runs = runs[:maxRunsKept]
	}
	m.runs[run.ScheduleID] = runs
	return nil
}

// ListRuns returns the newest runs first.
func (m *MemoryStore) ListRuns(_ context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := m.runs[scheduleID]
	limit = normalizeRunsLimit(limit)
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return append([]ScheduleRun(nil), runs...), nil
}

func sortDue(list []*Schedule) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].NextRunAt.Equal(list[j].NextRunAt) {
			return list[i].NextRunAt.Before(list[j].NextRunAt)
		}
		return list[i].Name < list[j].Name
	})
}

func normalizeRunsLimit(limit int) int {
	if limit <= 0 {
		return defaultRunsLimit
	}
	if limit > maxRunsKept {
		return maxRunsKept
	}
	return limit
}
