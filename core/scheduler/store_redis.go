package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

// Schedule keys share the {schedules} hash tag: Save writes a document and three indexes in one
// MULTI, and list reads use MGET, both of which need a single cluster slot.
const (
	scheduleNamesKey = "stagehand:{schedules}:names"
	scheduleIndexKey = "stagehand:{schedules}:index"
	// scheduleDueKey holds exactly the enabled schedules, scored by next_run_at in ms.
	scheduleDueKey = "stagehand:{schedules}:due"
)

func scheduleKey(id string) string {
	return "stagehand:{schedules}:schedule:" + id
}

func scheduleRunsKey(id string) string {
	return "stagehand:{schedules}:runs:" + id
}

// RedisStore keeps each schedule as a JSON document plus a due sorted set.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Save(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return ErrScheduleNotFound
	}
	owner, err := s.client.HGet(ctx, scheduleNamesKey, sched.Name).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup schedule name: %w", err)
	}
	if owner != "" && owner != sched.ID {
		return ErrDuplicateName
	}
	prev, err := s.Get(ctx, sched.ID)
	if err != nil && !errors.Is(err, ErrScheduleNotFound) {
		return err
	}
	payload, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, scheduleKey(sched.ID), payload, 0)
	if prev != nil && prev.Name != sched.Name {
		pipe.HDel(ctx, scheduleNamesKey, prev.Name)
	}
	pipe.HSet(ctx, scheduleNamesKey, sched.Name, sched.ID)
	pipe.ZAdd(ctx, scheduleIndexKey, redis.Z{Score: float64(sched.CreatedAt.UnixMilli()), Member: sched.ID})
	if sched.Enabled {
		pipe.ZAdd(ctx, scheduleDueKey, redis.Z{Score: float64(sched.NextRunAt.UnixMilli()), Member: sched.ID})
	} else {
		pipe.ZRem(ctx, scheduleDueKey, sched.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Schedule, error) {
	data, err := s.client.Get(ctx, scheduleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return decodeSchedule(data)
}

func (s *RedisStore) GetByName(ctx context.Context, name string) (*Schedule, error) {
	id, err := s.client.HGet(ctx, scheduleNamesKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup schedule name: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) List(ctx context.Context) ([]*Schedule, error) {
	ids, err := s.client.ZRange(ctx, scheduleIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RedisStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, scheduleDueKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	loaded, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := loaded[:0]
	for _, sched := range loaded {
		if sched.Due(now) {
			out = append(out, sched)
		}
	}
	sortDue(out)
	return out, nil
}

func (s *RedisStore) CountEnabled(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, scheduleDueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) RecordRun(ctx context.Context, run *ScheduleRun) error {
	if run == nil || run.ScheduleID == "" {
		return ErrScheduleNotFound
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal schedule run: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, scheduleRunsKey(run.ScheduleID), payload)
	pipe.LTrim(ctx, scheduleRunsKey(run.ScheduleID), 0, maxRunsKept-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}

func (s *RedisStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	limit = normalizeRunsLimit(limit)
	items, err := s.client.LRange(ctx, scheduleRunsKey(scheduleID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedule runs: %w", err)
	}
	out := make([]ScheduleRun, 0, len(items))
	for _, item := range items {
		var run ScheduleRun
		if err := json.Unmarshal([]byte(item), &run); err != nil {
			return nil, fmt.Errorf("decode schedule run: %w", err)
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Schedule, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = scheduleKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sched, err := decodeSchedule([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

func decodeSchedule(data []byte) (*Schedule, error) {
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	return &sched, nil
}
