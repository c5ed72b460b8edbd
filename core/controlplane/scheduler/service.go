// Package scheduler runs the scheduler process: it registers the configured schedules and ticks
// the schedule service, submitting due targets to the engine over NATS.
package scheduler

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cordum/stagehand/core/controlplane/backend"
	"github.com/cordum/stagehand/core/infra/bus"
	"github.com/cordum/stagehand/core/infra/config"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/metrics"
	sched "github.com/cordum/stagehand/core/scheduler"
	"github.com/cordum/stagehand/core/workflow"
)

const (
	component              = "scheduler"
	defaultShutdownTimeout = 10 * time.Second
	defaultSubmitTimeout   = 10 * time.Second
	metricsNamespace       = "stagehand"
)

// Run starts the scheduler and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	schedCfg, err := config.LoadSchedulerConfig(cfg.SchedulerConfigPath)
	if err != nil {
		return fmt.Errorf("load scheduler config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store, err)
	}
	defer stores.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	submitter, err := bus.NewNatsSubmitter(natsBus, cfg.SubmitSubject, defaultSubmitTimeout)
	if err != nil {
		return err
	}

	svc, err := NewService(stores, submitter, schedCfg, metrics.NewSchedulerProm(metricsNamespace))
	if err != nil {
		return err
	}
	registered, err := Bootstrap(ctx, svc, schedCfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	srv := backend.StartHTTPServer(component, cfg.MetricsAddr, func(ctx context.Context) (any, error) {
		return svc.Health(ctx)
	})
	logging.Info(component, "started", "store", stores.Kind, "schedules", registered, "tick", time.Duration(schedCfg.TickInterval), "http", cfg.MetricsAddr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logging.Info(component, "stopped")
	return nil
}

// NewService builds the schedule service over the backend's stores with the tuning from cfg.
func NewService(stores *backend.Backend, submitter workflow.Submitter, cfg *config.SchedulerConfig, m metrics.SchedulerMetrics) (*sched.Service, error) {
	opts := []sched.Option{sched.WithMetrics(m)}
	if cfg != nil {
		opts = append(opts,
			sched.WithTickInterval(time.Duration(cfg.TickInterval)),
			sched.WithLockTTL(time.Duration(cfg.LockTTL)),
			sched.WithDueLimit(cfg.DueLimit),
		)
	}
	return sched.NewService(stores.Schedules, stores.Locks, submitter, opts...)
}

// Bootstrap registers every schedule declared in cfg and returns how many were registered.
// A schedule that fails validation stops the bootstrap.
func Bootstrap(ctx context.Context, svc *sched.Service, cfg *config.SchedulerConfig) (int, error) {
	if cfg == nil {
		return 0, nil
	}
	for _, sc := range cfg.Schedules {
		if _, err := svc.Register(ctx, toSchedule(sc, cfg)); err != nil {
			return 0, fmt.Errorf("register schedule %s: %w", sc.Name, err)
		}
	}
	return len(cfg.Schedules), nil
}

func toSchedule(sc config.ScheduleConfig, cfg *config.SchedulerConfig) sched.Schedule {
	target := workflow.TargetKind(strings.ToLower(strings.TrimSpace(sc.TargetType)))
	if target == "" {
		target = workflow.TargetWorkflow
	}
	return sched.Schedule{
		Name:                sc.Name,
		TargetType:          target,
		TargetName:          sc.TargetName,
		CronExpression:      sc.Cron,
		IntervalSeconds:     sc.IntervalSeconds,
		Params:              sc.Params,
		Partition:           sc.Partition,
		MisfireGraceSeconds: cfg.MisfireGrace(sc),
		Enabled:             sc.IsEnabled(),
	}
}
