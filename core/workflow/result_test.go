package workflow

import (
	"errors"
	"testing"

	"github.com/cordum/stagehand/core/retry"
)

func TestCoerceHandlerReturns(t *testing.T) {
	type counts map[string]int
	cases := []struct {
		name     string
		value    any
		err      error
		success  bool
		category retry.Category
		check    func(StepResult) bool
	}{
		{name: "nil", value: nil, success: true, check: func(r StepResult) bool { return len(r.Output) == 0 && r.Output != nil }},
		{name: "map", value: map[string]any{"rows": 3}, success: true, check: func(r StepResult) bool { return r.Output["rows"] == 3 }},
		{name: "typed map", value: counts{"rows": 4}, success: true, check: func(r StepResult) bool { return r.Output["rows"] == 4 }},
		{name: "true", value: true, success: true},
		{name: "false", value: false, success: false, category: retry.CategoryInternal},
		{name: "string", value: "done", success: true, check: func(r StepResult) bool { return r.Output["value"] == "done" }},
		{name: "number", value: 7, success: true, check: func(r StepResult) bool { return r.Output["value"] == 7 }},
		{name: "error value", value: retry.Categorize(errors.New("x"), retry.CategoryDataQuality), success: false, category: retry.CategoryDataQuality},
		{name: "returned err", value: map[string]any{"ignored": true}, err: retry.Categorize(errors.New("down"), retry.CategoryTransient), success: false, category: retry.CategoryTransient},
		{name: "unsupported", value: []int{1}, success: false, category: retry.CategoryConfiguration},
		{name: "result", value: StepResult{Success: true, NextStep: "b"}, success: true, check: func(r StepResult) bool { return r.NextStep == "b" && r.Output != nil }},
		{name: "failed result", value: &StepResult{Success: false}, success: false, category: retry.CategoryInternal, check: func(r StepResult) bool { return r.Error != "" }},
	}
	for _, tc := range cases {
		res := Coerce(tc.value, tc.err)
		if res.Success != tc.success {
			t.Fatalf("%s: expected success=%v got %+v", tc.name, tc.success, res)
		}
		if !tc.success && res.Category != tc.category {
			t.Fatalf("%s: expected category %s got %s", tc.name, tc.category, res.Category)
		}
		if tc.check != nil && !tc.check(res) {
			t.Fatalf("%s: unexpected result %+v", tc.name, res)
		}
	}
}

func TestStepResultErrCarriesCategory(t *testing.T) {
	if err := Ok(nil).Err(); err != nil {
		t.Fatalf("expected nil error for success, got %v", err)
	}
	res := Fail("schema drift", retry.CategoryDataQuality)
	if got := retry.CategoryOf(res.Err()); got != retry.CategoryDataQuality {
		t.Fatalf("expected data_quality, got %s", got)
	}
	base := errors.New("wrapped")
	res = FailErr(base)
	if !errors.Is(res.Err(), base) {
		t.Fatalf("expected original error to be kept")
	}
	if res.Category != retry.CategoryInternal {
		t.Fatalf("expected internal default, got %s", res.Category)
	}
	if Fail("x", "bogus").Category != retry.CategoryInternal {
		t.Fatalf("expected invalid category to fall back to internal")
	}
}

func TestRecordCount(t *testing.T) {
	res := Ok(nil)
	if res.RecordCount() != 0 {
		t.Fatalf("expected zero without quality")
	}
	res.Quality = &Quality{Records: 12, Valid: 10, Invalid: 2}
	if res.RecordCount() != 12 {
		t.Fatalf("expected 12 records, got %d", res.RecordCount())
	}
}
