package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const maxAnomaliesPerDomain = 5000

// RedisStore keeps anomalies as JSON documents in a capped list per domain.
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

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Record prepends a to its domain list.
func (s *RedisStore) Record(ctx context.Context, a *Anomaly) error {
	if err := prepare(a, time.Now().UTC()); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, domainKey(a.Domain), data)
	pipe.LTrim(ctx, domainKey(a.Domain), 0, maxAnomaliesPerDomain-1)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns the newest anomalies of a domain.
func (s *RedisStore) List(ctx context.Context, domain string, limit int) ([]Anomaly, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain required")
	}
	raw, err := s.client.LRange(ctx, domainKey(domain), 0, int64(normalizeLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Anomaly, 0, len(raw))
	for _, item := range raw {
		var a Anomaly
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func domainKey(domain string) string {
	return "stagehand:anomalies:" + domain
}
