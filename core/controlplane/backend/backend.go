// Package backend opens the persistence used by the stagehand binaries: either everything in Redis
// or everything in Postgres.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cordum/stagehand/core/anomaly"
	"github.com/cordum/stagehand/core/infra/config"
	"github.com/cordum/stagehand/core/infra/locks"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/metrics"
	"github.com/cordum/stagehand/core/infra/redisutil"
	"github.com/cordum/stagehand/core/infra/sqldb"
	"github.com/cordum/stagehand/core/manifest"
	"github.com/cordum/stagehand/core/scheduler"
	"github.com/cordum/stagehand/core/workflow"
	"github.com/redis/go-redis/v9"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Backend bundles the stores for one process.
type Backend struct {
	Kind      string
	Manifest  manifest.Store
	Anomalies anomaly.Store
	Schedules scheduler.Store
	Locks     locks.Locker
	// Runs is nil on Postgres; run records are kept in Redis only.
	Runs workflow.RunStore
	// Workflows is the Redis catalog mirror, nil on Postgres.
	Workflows *workflow.RedisStore

	closers []func() error
}

// Open connects the backend selected by cfg.Store. Postgres tables are created if missing.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return openPostgres(ctx, cfg)
	default:
		return openRedis(cfg)
	}
}

func openRedis(cfg *config.Config) (*Backend, error) {
	client, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisBackend(client), nil
}

func newRedisBackend(client redis.UniversalClient) *Backend {
	runs := workflow.NewRedisStoreWithClient(client)
	return &Backend{
		Kind:      config.StoreRedis,
		Manifest:  manifest.NewRedisStoreWithClient(client),
		Anomalies: anomaly.NewRedisStoreWithClient(client),
		Schedules: scheduler.NewRedisStoreWithClient(client),
		Locks:     locks.NewRedisStoreWithClient(client),
		Runs:      runs,
		Workflows: runs,
		closers:   []func() error{client.Close},
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*Backend, error) {
	dbCfg, err := sqldb.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL != "" {
		dbCfg.URL = cfg.DatabaseURL
	}
	db, err := sqldb.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	if err := sqldb.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return newSQLBackend(db), nil
}

func newSQLBackend(db *sql.DB) *Backend {
	return &Backend{
		Kind:      config.StorePostgres,
		Manifest:  manifest.NewSQLStore(db),
		Anomalies: anomaly.NewSQLStore(db),
		Schedules: scheduler.NewSQLStore(db),
		Locks:     locks.NewSQLStore(db),
		closers:   []func() error{db.Close},
	}
}

// Close releases every connection the backend opened.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// HealthFunc reports a component's health as a JSON-encodable value.
type HealthFunc func(ctx context.Context) (any, error)

// StartHTTPServer serves /health and /metrics on addr until the returned server is shut down.
func StartHTTPServer(component, addr string, health HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body, err := health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			body = map[string]any{"status": "unhealthy", "error": err.Error(), "detail": body}
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "http server error", "error", err)
		}
	}()
	return srv
}
