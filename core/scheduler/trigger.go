package scheduler

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@daily" or "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses expr with the scheduler's cron dialect.
func ParseCron(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTrigger, expr, err)
	}
	return sched, nil
}

func validateTrigger(s *Schedule) error {
	hasCron := strings.TrimSpace(s.CronExpression) != ""
	switch {
	case hasCron && s.IntervalSeconds != 0:
		return fmt.Errorf("%w: set cron_expression or interval_seconds, not both", ErrInvalidTrigger)
	case hasCron:
		_, err := ParseCron(s.CronExpression)
		return err
	case s.IntervalSeconds > 0:
		return nil
	case s.IntervalSeconds < 0:
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalidTrigger)
	default:
		return fmt.Errorf("%w: cron_expression or interval_seconds required", ErrInvalidTrigger)
	}
}

// NextRun returns the first firing of s strictly after now. Interval schedules keep their phase:
// the next firing is NextRunAt advanced by whole intervals.
func NextRun(s *Schedule, now time.Time) (time.Time, error) {
	if strings.TrimSpace(s.CronExpression) != "" {
		sched, err := ParseCron(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	if s.IntervalSeconds <= 0 {
		return time.Time{}, fmt.Errorf("%w: cron_expression or interval_seconds required", ErrInvalidTrigger)
	}
	interval := time.Duration(s.IntervalSeconds) * time.Second
	if s.NextRunAt.IsZero() {
		return now.Add(interval), nil
	}
	next := s.NextRunAt
	if !next.After(now) {
		missed := now.Sub(next)/interval + 1
		next = next.Add(missed * interval)
	}
	return next, nil
}
