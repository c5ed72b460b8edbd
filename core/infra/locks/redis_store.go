package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each lock as a JSON document with a PX expiry, plus a sorted set of
// resources scored by expiry used for counting and sweeping.
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

func (s *RedisStore) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)
	now := s.now()
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource), indexKey},
		owner,
		ttl.Milliseconds(),
		now.UnixMilli(),
		resource,
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource), indexKey}, owner, resource).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource), indexKey},
		owner,
		ttl.Milliseconds(),
		s.now().UnixMilli(),
		resource,
	).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", resource, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	resource = strings.TrimSpace(resource)
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, err
	}
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		Resource:  resource,
		Owner:     decoded.Owner,
		UpdatedAt: time.UnixMilli(int64(decoded.UpdatedAt)).UTC(),
		ExpiresAt: time.UnixMilli(int64(decoded.ExpiresAt)).UTC(),
	}
	if lock.Expired(s.now()) {
		return nil, ErrNotHeld
	}
	return lock, nil
}

// SweepExpired removes index entries whose expiry has passed. Redis expires the documents.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	upper := strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, indexKey, "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	lower := "(" + strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, indexKey, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return int(n), nil
}

type lockPayload struct {
	Owner     string  `json:"owner"`
	UpdatedAt float64 `json:"updated_at"`
	ExpiresAt float64 `json:"expires_at"`
}

// Every lock key shares the {locks} hash tag with indexKey so the scripts touch one cluster slot.
const indexKey = "stagehand:{locks}:index"

func lockKey(resource string) string {
	return "stagehand:{locks}:lock:" + resource
}

const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if payload then
  local lock = cjson.decode(payload)
  if lock["owner"] ~= owner and tonumber(lock["expires_at"]) > now then
    return 0
  end
end
local lock = {owner = owner, updated_at = now, expires_at = now + ttl}
redis.call("SET", key, cjson.encode(lock), "PX", ttl)
redis.call("ZADD", KEYS[2], now + ttl, ARGV[4])
return 1
`

const releaseScript = `
local key = KEYS[1]
local payload = redis.call("GET", key)
if not payload then
  redis.call("ZREM", KEYS[2], ARGV[2])
  return 0
end
local lock = cjson.decode(payload)
if lock["owner"] ~= ARGV[1] then
  return 0
end
redis.call("DEL", key)
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["owner"] ~= owner or tonumber(lock["expires_at"]) <= now then
  return 0
end
lock["updated_at"] = now
lock["expires_at"] = now + ttl
redis.call("SET", key, cjson.encode(lock), "PX", ttl)
redis.call("ZADD", KEYS[2], now + ttl, ARGV[4])
return 1
`
