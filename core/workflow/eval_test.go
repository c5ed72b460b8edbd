package workflow

import (
	"fmt"
	"testing"
)

func TestEvalLiteralsAndPaths(t *testing.T) {
	scope := map[string]any{
		"foo": map[string]any{"bar": 10},
		"str": "hello",
		"arr": []any{1, 2, 3},
		"outputs": map[string]map[string]any{
			"extract": {"rows": []any{map[string]any{"id": "r1"}, map[string]any{"id": "r2"}}},
		},
	}
	cases := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"false", false},
		{"null", nil},
		{"42", float64(42)},
		{"'hi'", "hi"},
		{"foo.bar", 10},
		{"str", "hello"},
		{"missing.path", nil},
		{"length(arr)", 3},
		{"length(str)", 5},
		{"first(arr)", 1},
		{"keys(foo)", []any{"bar"}},
		{"outputs.extract.rows.1.id", "r2"},
		{"length(outputs.extract.rows)", 2},
		{"foo.bar == 10", true},
		{"foo.bar > 5", true},
		{"foo.bar >= 10", true},
		{"foo.bar < 5", false},
		{"foo.bar != 10", false},
		{"!false", true},
		{"!missing", true},
	}
	for _, c := range cases {
		got, err := Eval(c.expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", c.expr, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("expr %q: want %v got %v", c.expr, c.want, got)
		}
	}
}

func TestEvalLogicalOperators(t *testing.T) {
	scope := map[string]any{"params": map[string]any{"env": "prod", "rows": 12, "force": false}}
	cases := map[string]bool{
		"params.env == 'prod' && params.rows > 10":    true,
		"params.env == 'dev' && params.rows > 10":     false,
		"params.env == 'dev' || params.rows > 10":     true,
		"params.force || (params.rows < 5)":           false,
		"!(params.env == 'prod') || params.force":     false,
		"params.env == 'a && b' || params.rows == 12": true,
	}
	for expr, want := range cases {
		got, err := EvalBool(expr, scope)
		if err != nil {
			t.Fatalf("expr %q: %v", expr, err)
		}
		if got != want {
			t.Fatalf("expr %q: want %v got %v", expr, want, got)
		}
	}
}

func TestEvalCompareStrings(t *testing.T) {
	scope := map[string]any{"env": map[string]any{"tier": "prod"}}
	got, err := Eval("env.tier == 'prod'", scope)
	if err != nil {
		t.Fatalf("eval err: %v", err)
	}
	if got != true {
		t.Fatalf("expected true, got %v", got)
	}
	got, err = Eval("env.tier > 'dev'", scope)
	if err != nil || got != true {
		t.Fatalf("expected lexical comparison, got %v err=%v", got, err)
	}
}

func TestEvalErrors(t *testing.T) {
	if _, err := Eval("   ", nil); err == nil {
		t.Fatalf("expected error for empty expression")
	}
	if _, err := Eval("explode(x)", nil); err == nil {
		t.Fatalf("expected error for unknown function")
	}
}

func TestEvalList(t *testing.T) {
	scope := map[string]any{"params": map[string]any{"regions": []string{"eu", "us"}, "name": "x"}}
	items, err := EvalList("params.regions", scope)
	if err != nil || len(items) != 2 || items[1] != "us" {
		t.Fatalf("unexpected list: %v err=%v", items, err)
	}
	items, err = EvalList("params.absent", scope)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty list for nil, got %v err=%v", items, err)
	}
	if _, err := EvalList("params.name", scope); err == nil {
		t.Fatalf("expected error for non-list value")
	}
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, "", 0, 0.0, []any{}}
	for _, v := range falsy {
		if Truthy(v) {
			t.Fatalf("expected %#v to be falsy", v)
		}
	}
	truthy := []any{true, "x", 1, -2.5, []any{nil}, map[string]any{}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Fatalf("expected %#v to be truthy", v)
		}
	}
}
