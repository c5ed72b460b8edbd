package workflowengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cordum/stagehand/core/controlplane/backend"
	"github.com/cordum/stagehand/core/infra/config"
	"github.com/cordum/stagehand/core/infra/metrics"
	wf "github.com/cordum/stagehand/core/workflow"
)

const reportDefinition = `
name: daily_report
domain: reports
steps:
  - name: render
    handler: echo
    config:
      format: csv
  - name: publish
    kind: operation
    operation: noop
    depends_on: [render]
`

func openRedisBackend(t *testing.T) *backend.Backend {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	stores, err := backend.Open(context.Background(), &config.Config{Store: config.StoreRedis, RedisURL: "redis://" + srv.Addr()})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })
	return stores
}

func writeDefinitions(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reports.yaml"), []byte(reportDefinition), 0o600); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return dir
}

func TestLoadCatalogMirrorsDefinitions(t *testing.T) {
	stores := openRedisBackend(t)
	reg := wf.NewRegistry()
	names, err := LoadCatalog(context.Background(), reg, writeDefinitions(t), stores.Workflows)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(names) != 1 || names[0] != "daily_report" {
		t.Fatalf("unexpected names: %v", names)
	}
	if _, err := reg.Handler("echo"); err != nil {
		t.Fatalf("expected builtins registered: %v", err)
	}
	mirrored, err := stores.Workflows.GetWorkflow(context.Background(), "daily_report")
	if err != nil {
		t.Fatalf("get mirrored workflow: %v", err)
	}
	if mirrored.Domain != "reports" || len(mirrored.Steps) != 2 {
		t.Fatalf("unexpected mirrored workflow: %+v", mirrored)
	}
}

func TestLoadCatalogMissingPath(t *testing.T) {
	reg := wf.NewRegistry()
	names, err := LoadCatalog(context.Background(), reg, filepath.Join(t.TempDir(), "absent"), nil)
	if err != nil {
		t.Fatalf("expected missing path to be tolerated: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no workflows, got %v", names)
	}
}

func TestBuildRunsSubmissionsAndOperations(t *testing.T) {
	stores := openRedisBackend(t)
	reg := wf.NewRegistry()
	if _, err := LoadCatalog(context.Background(), reg, writeDefinitions(t), nil); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	_, local := Build(reg, stores, metrics.Noop{})
	defer local.Close()

	var mu sync.Mutex
	results := map[string]*wf.RunResult{}
	logResult := local.OnResult
	local.OnResult = func(req wf.SubmitRequest, res *wf.RunResult, err error) {
		logResult(req, res, err)
		if err != nil {
			t.Errorf("run %s: %v", req.Name, err)
			return
		}
		mu.Lock()
		results[req.Name] = res
		mu.Unlock()
	}

	runID, err := local.Submit(context.Background(), wf.SubmitRequest{Kind: wf.TargetWorkflow, Name: "daily_report", Params: map[string]any{"day": "2026-10-18"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	local.Wait()

	mu.Lock()
	defer mu.Unlock()
	report := results["daily_report"]
	if report == nil || report.Status != wf.RunStatusCompleted || report.RunID != runID {
		t.Fatalf("unexpected report result: %+v", report)
	}
	if op := results["noop"]; op == nil || op.Status != wf.RunStatusCompleted {
		t.Fatalf("expected operation step to run through the local submitter, got %+v", op)
	}
	rec, err := stores.Workflows.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Status != wf.RunStatusCompleted || rec.Workflow != "daily_report" {
		t.Fatalf("unexpected run record: %+v", rec)
	}
}

func TestBuildWithoutRunStore(t *testing.T) {
	reg := wf.NewRegistry()
	if err := wf.RegisterBuiltins(reg); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	stores := &backend.Backend{}
	runner, local := Build(reg, stores, metrics.Noop{})
	defer local.Close()
	if runner.Engine().Registry() != reg {
		t.Fatalf("expected runner to use the given registry")
	}
	if _, err := local.Submit(context.Background(), wf.SubmitRequest{Kind: wf.TargetOperation, Name: "noop"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	local.Wait()
}
