package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/cordum/stagehand/core/retry"
)

// Handler is the in-process step contract. The return value is coerced into a StepResult.
type Handler func(ctx context.Context, rc RunContext, config map[string]any) (any, error)

// Quality carries record counts reported by data steps.
type Quality struct {
	Records int64 `json:"records"`
	Valid   int64 `json:"valid"`
	Invalid int64 `json:"invalid"`
}

// StepResult is the envelope produced once per step attempt.
type StepResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	// ContextUpdates are merged into params for downstream steps.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
	Error          string         `json:"error,omitempty"`
	Category       ErrorCategory  `json:"error_category,omitempty"`
	NextStep       string         `json:"next_step,omitempty"`
	Quality        *Quality       `json:"quality,omitempty"`

	err error
}

// Ok builds a successful result.
func Ok(output map[string]any) StepResult {
	if output == nil {
		output = map[string]any{}
	}
	return StepResult{Success: true, Output: output}
}

// Fail builds a failed result with an explicit category.
func Fail(message string, category ErrorCategory) StepResult {
	if !category.Valid() {
		category = retry.CategoryInternal
	}
	return StepResult{Success: false, Error: message, Category: category}
}

// FailErr builds a failed result from err, keeping err for retry classification.
func FailErr(err error) StepResult {
	if err == nil {
		err = errors.New("step failed")
	}
	return StepResult{Success: false, Error: err.Error(), Category: retry.CategoryOf(err), err: err}
}

// Err returns the failure as an error carrying its category, or nil on success.
func (r StepResult) Err() error {
	if r.Success {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	msg := r.Error
	if msg == "" {
		msg = "step failed"
	}
	return retry.Categorize(errors.New(msg), r.Category)
}

// RecordCount is the row count reported through Quality, zero when absent.
func (r StepResult) RecordCount() int64 {
	if r.Quality == nil {
		return 0
	}
	return r.Quality.Records
}

// Coerce turns a handler return into a StepResult.
// map: success with that output. bool: success or failure. nil: success with empty output.
// string or number: success with {"value": v}. A non-nil err always wins as a failure.
func Coerce(v any, err error) StepResult {
	if err != nil {
		return FailErr(err)
	}
	switch val := v.(type) {
	case nil:
		return Ok(nil)
	case StepResult:
		return normalizeResult(val)
	case *StepResult:
		if val == nil {
			return Ok(nil)
		}
		return normalizeResult(*val)
	case map[string]any:
		return Ok(val)
	case bool:
		if val {
			return Ok(nil)
		}
		return Fail("step returned false", retry.CategoryInternal)
	case string:
		return Ok(map[string]any{"value": val})
	case error:
		return FailErr(val)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Ok(map[string]any{"value": v})
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			return Ok(out)
		}
	}
	return Fail(fmt.Sprintf("unsupported handler return type %T", v), retry.CategoryConfiguration)
}

func normalizeResult(r StepResult) StepResult {
	if r.Success {
		if r.Output == nil {
			r.Output = map[string]any{}
		}
		return r
	}
	if !r.Category.Valid() {
		r.Category = retry.CategoryInternal
	}
	if r.Error == "" {
		r.Error = "step failed"
	}
	return r
}
