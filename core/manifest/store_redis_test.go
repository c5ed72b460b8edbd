package manifest

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisAdvanceIsMonotonic(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	const domain, key = "sales", `{"day":"2024-03-01"}`

	if _, err := store.Get(ctx, domain, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StageStarted, Rank: RankStarted, ExecutionID: "run-1", Version: "v1"})
	if err != nil || !ok {
		t.Fatalf("expected first advance, ok=%v err=%v", ok, err)
	}
	ok, err = store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StepStage("load"), Rank: StepRank(1), RowCount: 120, Duration: 1500 * time.Millisecond, ExecutionID: "run-1"})
	if err != nil || !ok {
		t.Fatalf("expected step advance, ok=%v err=%v", ok, err)
	}
	ok, err = store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StepStage("extract"), Rank: StepRank(0), ExecutionID: "run-1"})
	if err != nil || ok {
		t.Fatalf("expected regression to be refused, ok=%v err=%v", ok, err)
	}

	entry, err := store.Get(ctx, domain, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Stage != "STEP_LOAD" || entry.Rank != StepRank(1) || entry.RowCount != 120 || entry.Duration != 1500*time.Millisecond {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.CreatedAt.IsZero() || entry.UpdatedAt.Before(entry.CreatedAt) {
		t.Fatalf("expected timestamps, got %+v", entry)
	}

	ok, err = store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StageCompleted, Rank: RankCompleted, RowCount: 120, ExecutionID: "run-1"})
	if err != nil || !ok {
		t.Fatalf("expected completion, ok=%v err=%v", ok, err)
	}
	ok, err = store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StageCompleted, Rank: RankCompleted, ExecutionID: "run-2"})
	if err != nil || !ok {
		t.Fatalf("expected equal rank rewrite, ok=%v err=%v", ok, err)
	}
	ok, _ = store.Advance(ctx, Entry{Domain: domain, PartitionKey: key, Stage: StageStarted, Rank: RankStarted})
	if ok {
		t.Fatalf("expected STARTED after COMPLETED to be refused")
	}
	entry, _ = store.Get(ctx, domain, key)
	if !entry.Completed() || entry.ExecutionID != "run-2" {
		t.Fatalf("unexpected final entry: %+v", entry)
	}
}

func TestRedisAdvanceValidates(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	if _, err := store.Advance(ctx, Entry{PartitionKey: "k", Stage: StageStarted, Rank: 1}); err == nil {
		t.Fatalf("expected domain error")
	}
	if _, err := store.Advance(ctx, Entry{Domain: "d", PartitionKey: "k", Stage: StageStarted}); err == nil {
		t.Fatalf("expected rank error")
	}
}

func TestRedisStepRecords(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	const domain, key = "sales", `{"day":"2024-03-02"}`

	if err := store.RecordStep(ctx, domain, key, StepRecord{Step: "extract", RowCount: 10, ExecutionID: "run-1", Output: map[string]any{"path": "s3://x"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordStep(ctx, domain, key, StepRecord{Step: "extract", RowCount: 12, ExecutionID: "run-2"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordStep(ctx, domain, key, StepRecord{Step: "load", RowCount: 12}); err != nil {
		t.Fatalf("record: %v", err)
	}
	steps, err := store.Steps(ctx, domain, key)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected two step records, got %v", steps)
	}
	extract := steps["extract"]
	if extract.RowCount != 12 || extract.ExecutionID != "run-2" || extract.Stage != "STEP_EXTRACT" || extract.RecordedAt.IsZero() {
		t.Fatalf("expected latest checkpoint, got %+v", extract)
	}
	if err := store.RecordStep(ctx, domain, key, StepRecord{}); err == nil {
		t.Fatalf("expected error for missing step")
	}
	empty, err := store.Steps(ctx, domain, `{"day":"never"}`)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no records, got %v err=%v", empty, err)
	}
}

func TestRedisEntryAndStepKeysDoNotCollide(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	const key = `{"day":"2024-03-03"}`

	if entryKey("steps:sales", key) == stepsKey("sales", key) {
		t.Fatalf("entry and step keys collide: %s", entryKey("steps:sales", key))
	}
	if _, err := store.Advance(ctx, Entry{Domain: "steps:sales", PartitionKey: key, Stage: StageCompleted, Rank: RankCompleted, ExecutionID: "run-1"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.RecordStep(ctx, "sales", key, StepRecord{Step: "extract", RowCount: 4}); err != nil {
		t.Fatalf("record step: %v", err)
	}
	entry, err := store.Get(ctx, "steps:sales", key)
	if err != nil || !entry.Completed() {
		t.Fatalf("expected the entry to survive, got %+v err=%v", entry, err)
	}
	steps, err := store.Steps(ctx, "sales", key)
	if err != nil || steps["extract"].RowCount != 4 {
		t.Fatalf("expected the step record, got %v err=%v", steps, err)
	}
}
