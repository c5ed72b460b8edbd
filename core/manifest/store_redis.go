package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON entry per partition plus a hash of step checkpoints.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore connects to url.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Get fetches the entry for a partition.
func (s *RedisStore) Get(ctx context.Context, domain, partitionKey string) (*Entry, error) {
	if err := validateKey(domain, partitionKey); err != nil {
		return nil, err
	}
	payload, err := s.client.Get(ctx, entryKey(domain, partitionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return parseEntry(payload, domain, partitionKey)
}

// Advance runs the monotonic compare-and-set script.
func (s *RedisStore) Advance(ctx context.Context, entry Entry) (bool, error) {
	if err := validateKey(entry.Domain, entry.PartitionKey); err != nil {
		return false, err
	}
	if entry.Stage == "" || entry.Rank <= 0 {
		return false, fmt.Errorf("manifest: stage and positive rank required")
	}
	now := s.now()
	res, err := s.client.Eval(ctx, advanceScript, []string{entryKey(entry.Domain, entry.PartitionKey)},
		string(entry.Stage),
		entry.Rank,
		entry.RowCount,
		entry.ExecutionID,
		entry.Duration.Milliseconds(),
		entry.Version,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("advance manifest: %w", err)
	}
	return res == 1, nil
}

// RecordStep stores a step checkpoint, replacing an earlier one for the same step.
func (s *RedisStore) RecordStep(ctx context.Context, domain, partitionKey string, rec StepRecord) error {
	if err := validateKey(domain, partitionKey); err != nil {
		return err
	}
	if rec.Step == "" {
		return fmt.Errorf("manifest: step required")
	}
	if rec.Stage == "" {
		rec.Stage = StepStage(rec.Step)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step record: %w", err)
	}
	return s.client.HSet(ctx, stepsKey(domain, partitionKey), rec.Step, data).Err()
}

// Steps returns every checkpoint recorded for a partition keyed by step name.
func (s *RedisStore) Steps(ctx context.Context, domain, partitionKey string) (map[string]StepRecord, error) {
	if err := validateKey(domain, partitionKey); err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, stepsKey(domain, partitionKey)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]StepRecord, len(raw))
	for step, payload := range raw {
		var rec StepRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode step record %s: %w", step, err)
		}
		out[step] = rec
	}
	return out, nil
}

type entryPayload struct {
	Stage       string  `json:"stage"`
	Rank        float64 `json:"rank"`
	RowCount    float64 `json:"row_count"`
	ExecutionID string  `json:"execution_id"`
	DurationMS  float64 `json:"duration_ms"`
	Version     string  `json:"version"`
	CreatedAt   float64 `json:"created_at"`
	UpdatedAt   float64 `json:"updated_at"`
}

func parseEntry(payload, domain, partitionKey string) (*Entry, error) {
	var decoded entryPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode manifest entry: %w", err)
	}
	return &Entry{
		Domain:       domain,
		PartitionKey: partitionKey,
		Stage:        Stage(decoded.Stage),
		Rank:         int(decoded.Rank),
		RowCount:     int64(decoded.RowCount),
		ExecutionID:  decoded.ExecutionID,
		Duration:     time.Duration(decoded.DurationMS) * time.Millisecond,
		Version:      decoded.Version,
		CreatedAt:    time.UnixMilli(int64(decoded.CreatedAt)).UTC(),
		UpdatedAt:    time.UnixMilli(int64(decoded.UpdatedAt)).UTC(),
	}, nil
}

func entryKey(domain, partitionKey string) string {
	return "stagehand:manifest:entry:" + domain + ":" + partitionKey
}

func stepsKey(domain, partitionKey string) string {
	return "stagehand:manifest:steps:" + domain + ":" + partitionKey
}

// advanceScript replaces the entry unless the stored rank is higher. Returns 1 when written.
const advanceScript = `
local key = KEYS[1]
local rank = tonumber(ARGV[2])
local now = tonumber(ARGV[7])
local payload = redis.call("GET", key)
local entry
if payload then
  entry = cjson.decode(payload)
  if tonumber(entry["rank"]) > rank then
    return 0
  end
else
  entry = {created_at = now}
end
entry["stage"] = ARGV[1]
entry["rank"] = rank
entry["row_count"] = tonumber(ARGV[3])
entry["execution_id"] = ARGV[4]
entry["duration_ms"] = tonumber(ARGV[5])
entry["version"] = ARGV[6]
entry["updated_at"] = now
redis.call("SET", key, cjson.encode(entry))
return 1
`
