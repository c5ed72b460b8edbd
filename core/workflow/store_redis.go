package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const timelineMaxEntries = 1000

// RedisStore persists workflow definitions, run records and run timelines in Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to url and returns a store.
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

// SaveWorkflow upserts a workflow definition so operators can inspect the deployed catalog.
func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKey(wf.Name), payload, 0)
	pipe.ZAdd(ctx, workflowIndexKey(), redis.Z{Score: float64(now.Unix()), Member: wf.Name})
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorkflow returns a stored definition. In-process Func handlers are not persisted.
func (s *RedisStore) GetWorkflow(ctx context.Context, name string) (*Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	data, err := s.client.Get(ctx, workflowKey(name)).Bytes()
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows returns the names of stored workflows, most recently saved first.
func (s *RedisStore) ListWorkflows(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.client.ZRevRange(ctx, workflowIndexKey(), 0, limit-1).Result()
}

// CreateRun persists a new run record and indexes it by workflow and status.
func (s *RedisStore) CreateRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" || run.Workflow == "" {
		return fmt.Errorf("run id and workflow required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	return s.writeRun(ctx, run, "")
}

// UpdateRun overwrites a run document and moves it between status indexes.
func (s *RedisStore) UpdateRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" || run.Workflow == "" {
		return fmt.Errorf("run id and workflow required")
	}
	prevStatus := RunStatus("")
	if prev, err := s.GetRun(ctx, run.ID); err == nil {
		prevStatus = prev.Status
	}
	run.UpdatedAt = time.Now().UTC()
	return s.writeRun(ctx, run, prevStatus)
}

func (s *RedisStore) writeRun(ctx context.Context, run *RunRecord, prevStatus RunStatus) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	score := float64(run.UpdatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), payload, 0)
	pipe.ZAdd(ctx, runIndexKey(run.Workflow), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, runStatusIndexKey(run.Status), redis.Z{Score: score, Member: run.ID})
	if prevStatus != "" && prevStatus != run.Status {
		pipe.ZRem(ctx, runStatusIndexKey(prevStatus), run.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun fetches a run by id.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		return nil, err
	}
	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRunsByWorkflow returns recent runs of a workflow, newest first.
func (s *RedisStore) ListRunsByWorkflow(ctx context.Context, workflow string, limit int64) ([]*RunRecord, error) {
	if workflow == "" {
		return nil, fmt.Errorf("workflow required")
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, runIndexKey(workflow), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*RunRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, runKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*RunRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var run RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		out = append(out, &run)
	}
	return out, nil
}

// ListRunIDsByStatus returns recent run ids in status.
func (s *RedisStore) ListRunIDsByStatus(ctx context.Context, status RunStatus, limit int64) ([]string, error) {
	if status == "" {
		return nil, fmt.Errorf("status required")
	}
	if limit <= 0 {
		limit = 200
	}
	return s.client.ZRevRange(ctx, runStatusIndexKey(status), 0, limit-1).Result()
}

// AppendTimelineEvent records a run event in append-only order, keeping the newest entries.
func (s *RedisStore) AppendTimelineEvent(ctx context.Context, runID string, event *TimelineEvent) error {
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	if event == nil {
		return fmt.Errorf("event required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, runTimelineKey(runID), data)
	pipe.LTrim(ctx, runTimelineKey(runID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimelineEvents returns timeline events in chronological order.
func (s *RedisStore) ListTimelineEvents(ctx context.Context, runID string, limit int64) ([]TimelineEvent, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, runTimelineKey(runID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// Definitions and runs each share a hash tag with their indexes so the MULTI writes stay in one
// cluster slot.
func workflowKey(name string) string {
	return "stagehand:{wf}:def:" + name
}

func workflowIndexKey() string {
	return "stagehand:{wf}:index"
}

func runKey(id string) string {
	return "stagehand:{runs}:run:" + id
}

func runIndexKey(workflow string) string {
	return "stagehand:{runs}:workflow:" + workflow
}

func runStatusIndexKey(status RunStatus) string {
	return "stagehand:{runs}:status:" + string(status)
}

func runTimelineKey(runID string) string {
	return "stagehand:{runs}:timeline:" + runID
}
