package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies a step failure. The category, not the message, drives retry eligibility.
type Category string

const (
	CategoryInternal      Category = "internal"
	CategoryDataQuality   Category = "data_quality"
	CategoryTransient     Category = "transient"
	CategoryTimeout       Category = "timeout"
	CategoryDependency    Category = "dependency"
	CategoryConfiguration Category = "configuration"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryInternal, CategoryDataQuality, CategoryTransient, CategoryTimeout, CategoryDependency, CategoryConfiguration:
		return true
	default:
		return false
	}
}

// CategorizedError attaches a Category to an error.
type CategorizedError struct {
	Err      error
	Category Category
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Categorize wraps err with a category. A nil err yields nil.
func Categorize(err error, category Category) error {
	if err == nil {
		return nil
	}
	if !category.Valid() {
		category = CategoryInternal
	}
	return &CategorizedError{Err: err, Category: category}
}

// Errorf formats a categorized error.
func Errorf(category Category, format string, args ...any) error {
	return Categorize(fmt.Errorf(format, args...), category)
}

// CategoryOf extracts the category of err, defaulting to internal.
// Context deadline errors are classified as timeouts.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.Category.Valid() {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryInternal
}

// delayError marks an error with an explicit retry delay that overrides the strategy delay.
type delayError struct {
	err   error
	delay time.Duration
}

func (e *delayError) Error() string {
	if e == nil {
		return ""
	}
	if e.delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.delay, e.err)
	}
	return fmt.Sprintf("retry: %v", e.err)
}

func (e *delayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *delayError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.delay
}

// After wraps err with a retry delay hint.
func After(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &delayError{err: err, delay: delay}
}

// DelayHint extracts a retry delay hint from err.
func DelayHint(err error) (time.Duration, bool) {
	type retryDelayProvider interface {
		RetryDelay() time.Duration
	}
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
