// Package workflowengine runs the engine process: it loads the workflow catalog and executes
// submissions received over NATS through the tracked runner.
package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/stagehand/core/controlplane/backend"
	"github.com/cordum/stagehand/core/infra/bus"
	"github.com/cordum/stagehand/core/infra/config"
	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/infra/metrics"
	"github.com/cordum/stagehand/core/tracking"
	wf "github.com/cordum/stagehand/core/workflow"
)

const (
	component              = "workflow-engine"
	defaultShutdownTimeout = 10 * time.Second
	metricsNamespace       = "stagehand"
)

// Run starts the workflow engine and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Store, err)
	}
	defer stores.Close()

	reg := wf.NewRegistry()
	names, err := LoadCatalog(ctx, reg, cfg.WorkflowsPath, stores.Workflows)
	if err != nil {
		return err
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	_, local := Build(reg, stores, metrics.NewWorkflowProm(metricsNamespace))
	defer local.Close()

	sub, err := bus.ServeSubmissions(ctx, natsBus, cfg.SubmitSubject, local)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.SubmitSubject, err)
	}

	srv := backend.StartHTTPServer(component, cfg.MetricsAddr, func(context.Context) (any, error) {
		body := map[string]any{
			"status":    "ok",
			"nats":      natsBus.Status(),
			"store":     stores.Kind,
			"workflows": reg.Workflows(),
		}
		if !natsBus.IsConnected() {
			return body, errors.New("nats disconnected")
		}
		return body, nil
	})
	logging.Info(component, "started", "subject", cfg.SubmitSubject, "store", stores.Kind, "workflows", len(names), "http", cfg.MetricsAddr)

	<-ctx.Done()

	_ = sub.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logging.Info(component, "stopped")
	return nil
}

// LoadCatalog registers the builtin handlers and every definition under path. When catalog is
// set the definitions are mirrored there for operators. A missing path registers nothing.
func LoadCatalog(ctx context.Context, reg *wf.Registry, path string, catalog *wf.RedisStore) ([]string, error) {
	if err := wf.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logging.Warn(component, "workflow definitions path missing", "path", path)
		return nil, nil
	}
	names, err := wf.RegisterDefinitions(reg, path)
	if err != nil {
		return nil, fmt.Errorf("load workflow definitions: %w", err)
	}
	if catalog != nil {
		for _, name := range names {
			def, err := reg.Workflow(name)
			if err != nil {
				return nil, err
			}
			if err := catalog.SaveWorkflow(ctx, def); err != nil {
				logging.Warn(component, "mirror workflow failed", "workflow", name, "error", err)
			}
		}
	}
	return names, nil
}

// Build wires the engine, tracked runner and in-process submitter. Operation steps inside a run
// are submitted back through the same local submitter.
func Build(reg *wf.Registry, stores *backend.Backend, m metrics.WorkflowMetrics) (*tracking.Runner, *tracking.LocalSubmitter) {
	var local *tracking.LocalSubmitter
	opts := []wf.EngineOption{
		wf.WithMetrics(m),
		wf.WithSubmitter(wf.SubmitterFunc(func(ctx context.Context, req wf.SubmitRequest) (string, error) {
			return local.Submit(ctx, req)
		})),
	}
	if stores.Runs != nil {
		opts = append(opts, wf.WithRunStore(stores.Runs))
	}
	runner := tracking.NewRunner(wf.NewEngine(reg, opts...), stores.Manifest, stores.Anomalies)
	local = tracking.NewLocalSubmitter(runner)
	local.OnResult = func(req wf.SubmitRequest, res *wf.RunResult, err error) {
		if err != nil || res == nil {
			return
		}
		logging.Info(component, "run finished", "run_id", res.RunID, "target", req.Name, "status", res.Status, "duration", res.Duration)
	}
	return runner, local
}
