// Package redisutil opens the Redis client shared by every Redis-backed store.
package redisutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/stagehand/core/infra/tlsenv"
	"github.com/redis/go-redis/v9"
)

// DefaultURL is used when no Redis URL is configured.
const DefaultURL = "redis://localhost:6379"

const (
	pingTimeout = 2 * time.Second

	tlsPrefix            = "REDIS"
	envRedisClusterAddrs = "REDIS_CLUSTER_ADDRESSES"
)

// NewClient builds a universal client for url. REDIS_CLUSTER_ADDRESSES, when set, replaces the
// URL's host with a cluster seed list; credentials and TLS still come from the URL and env.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envRedisClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect builds a client for url (DefaultURL when empty) and verifies it with a ping.
func Connect(url string) (redis.UniversalClient, error) {
	if strings.TrimSpace(url) == "" {
		url = DefaultURL
	}
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// ParseOptions parses a Redis URL and layers REDIS_TLS_* settings over any rediss:// TLS config.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := tlsenv.Load(tlsPrefix, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsCfg
	return opts, nil
}

func splitAddrs(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
