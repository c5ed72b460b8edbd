package workflow

import (
	"testing"
)

func TestRunContextWithersDoNotMutate(t *testing.T) {
	params := map[string]any{"env": "prod"}
	base := NewRunContext("run-1", params)
	params["env"] = "changed"
	if base.Params["env"] != "prod" {
		t.Fatalf("expected params to be copied on construction")
	}

	withOut := base.WithOutput("extract", map[string]any{"rows": 3})
	if _, ok := base.Output("extract"); ok {
		t.Fatalf("expected base outputs to stay empty")
	}
	if out, ok := withOut.Output("extract"); !ok || out["rows"] != 3 {
		t.Fatalf("expected extract output, got %v", out)
	}

	withParams := withOut.WithParams(map[string]any{"env": "dev", "limit": 5})
	if withOut.Params["env"] != "prod" {
		t.Fatalf("expected receiver params untouched")
	}
	if v, _ := withParams.Param("env"); v != "dev" {
		t.Fatalf("expected override, got %v", v)
	}
	if _, ok := withParams.Output("extract"); !ok {
		t.Fatalf("expected outputs carried forward")
	}

	second := withParams.WithOutput("extract", map[string]any{"rows": 9})
	if out, _ := second.Output("extract"); out["rows"] != 9 {
		t.Fatalf("expected last write to win, got %v", out)
	}
	if out, _ := withParams.Output("extract"); out["rows"] != 3 {
		t.Fatalf("expected earlier context untouched, got %v", out)
	}
}

func TestRunContextScope(t *testing.T) {
	rc := NewRunContext("run-2", map[string]any{"day": "2024-01-01"}).
		WithPartition(map[string]any{"region": "eu"}).
		WithDryRun(true).
		WithOutput("load", map[string]any{"ok": true})
	scope := rc.Scope()
	if scope["run_id"] != "run-2" || scope["dry_run"] != true {
		t.Fatalf("unexpected scope: %v", scope)
	}
	got, err := EvalBool("partition.region == 'eu' && outputs.load.ok", scope)
	if err != nil || !got {
		t.Fatalf("expected scope paths to resolve, got %v err=%v", got, err)
	}
}

func TestContextCellMerge(t *testing.T) {
	cell := newContextCell(NewRunContext("run-3", map[string]any{"a": 1}))
	snapshot := cell.Load()
	res := Ok(map[string]any{"rows": 2})
	res.ContextUpdates = map[string]any{"a": 2, "b": true}
	next := cell.Merge("extract", res)
	if next.Params["a"] != 2 || next.Params["b"] != true {
		t.Fatalf("expected context updates in params, got %v", next.Params)
	}
	if snapshot.Params["a"] != 1 {
		t.Fatalf("expected earlier snapshot unchanged")
	}
	if out, _ := cell.Load().Output("extract"); out["rows"] != 2 {
		t.Fatalf("expected merged output, got %v", out)
	}
}
