package config

import (
	"os"
	"strings"
)

// Store backends selectable with STAGEHAND_STORE.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

const (
	defaultNATSURL             = "nats://localhost:4222"
	defaultRedisURL            = "redis://localhost:6379"
	defaultStore               = StoreRedis
	defaultSchedulerConfigPath = "config/scheduler.yaml"
	defaultWorkflowsPath       = "config/workflows"
	defaultMetricsAddr         = ":9102"
	defaultSubmitSubject       = "stagehand.runs.submit"
	envNATSURL                 = "NATS_URL"
	envRedisURL                = "REDIS_URL"
	envDatabaseURL             = "DATABASE_URL"
	envStore                   = "STAGEHAND_STORE"
	envSchedulerConfig         = "STAGEHAND_SCHEDULER_CONFIG"
	envWorkflowsPath           = "STAGEHAND_WORKFLOWS_PATH"
	envMetricsAddr             = "STAGEHAND_METRICS_ADDR"
	envSubmitSubject           = "STAGEHAND_SUBMIT_SUBJECT"
)

// Config holds runtime configuration shared by the stagehand binaries.
type Config struct {
	NatsURL             string
	RedisURL            string
	DatabaseURL         string
	Store               string
	SchedulerConfigPath string
	WorkflowsPath       string
	MetricsAddr         string
	SubmitSubject       string
}

// Load returns configuration using environment variables with sane defaults. An unknown store
// name falls back to redis.
func Load() *Config {
	store := strings.ToLower(strings.TrimSpace(os.Getenv(envStore)))
	switch store {
	case StoreRedis, StorePostgres:
	default:
		store = defaultStore
	}
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		Store:               store,
		SchedulerConfigPath: envOr(envSchedulerConfig, defaultSchedulerConfigPath),
		WorkflowsPath:       envOr(envWorkflowsPath, defaultWorkflowsPath),
		MetricsAddr:         envOr(envMetricsAddr, defaultMetricsAddr),
		SubmitSubject:       envOr(envSubmitSubject, defaultSubmitSubject),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
