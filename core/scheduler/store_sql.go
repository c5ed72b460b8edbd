package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/sqldb"
	"github.com/cordum/stagehand/core/workflow"
)

const scheduleColumns = `schedule_id, name, target_type, target_name, cron_expression, interval_seconds, params,
	next_run_at, misfire_grace_seconds, enabled, last_run_at, last_run_status, last_run_id, created_at, updated_at, partition_keys`

const (
	upsertScheduleQuery = `INSERT INTO schedules (` + scheduleColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	ON CONFLICT (schedule_id) DO UPDATE SET
		name = EXCLUDED.name,
		target_type = EXCLUDED.target_type,
		target_name = EXCLUDED.target_name,
		cron_expression = EXCLUDED.cron_expression,
		interval_seconds = EXCLUDED.interval_seconds,
		params = EXCLUDED.params,
		next_run_at = EXCLUDED.next_run_at,
		misfire_grace_seconds = EXCLUDED.misfire_grace_seconds,
		enabled = EXCLUDED.enabled,
		last_run_at = EXCLUDED.last_run_at,
		last_run_status = EXCLUDED.last_run_status,
		last_run_id = EXCLUDED.last_run_id,
		updated_at = EXCLUDED.updated_at,
		partition_keys = EXCLUDED.partition_keys`

	selectScheduleByIDQuery   = `SELECT ` + scheduleColumns + ` FROM schedules WHERE schedule_id = $1`
	selectScheduleByNameQuery = `SELECT ` + scheduleColumns + ` FROM schedules WHERE name = $1`
	listSchedulesQuery        = `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY name`
	listDueSchedulesQuery     = `SELECT ` + scheduleColumns + ` FROM schedules
	WHERE enabled AND next_run_at <= $1
	ORDER BY next_run_at, name
	LIMIT $2`
	countEnabledQuery = `SELECT COUNT(*) FROM schedules WHERE enabled`

	insertScheduleRunQuery = `INSERT INTO schedule_runs (
		run_id, schedule_id, scheduled_for, started_at, completed_at, status, external_run_id, error, trigger
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (run_id) DO NOTHING`

	listScheduleRunsQuery = `SELECT run_id, schedule_id, scheduled_for, started_at, completed_at, status, external_run_id, error, trigger
	FROM schedule_runs
	WHERE schedule_id = $1
	ORDER BY started_at DESC, run_id
	LIMIT $2`
)

// maxDueQueryLimit bounds ListDue when the caller passes no limit.
const maxDueQueryLimit = 1000

// SQLStore keeps schedules and run history in Postgres.
type SQLStore struct {
	db sqldb.DB
}

// NewSQLStore wraps db.
func NewSQLStore(db sqldb.DB) *SQLStore {
	if db == nil {
		return nil
	}
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return ErrScheduleNotFound
	}
	var params, partition []byte
	if len(sched.Params) > 0 {
		var err error
		if params, err = json.Marshal(sched.Params); err != nil {
			return fmt.Errorf("marshal schedule params: %w", err)
		}
	}
	if len(sched.Partition) > 0 {
		var err error
		if partition, err = json.Marshal(sched.Partition); err != nil {
			return fmt.Errorf("marshal schedule partition: %w", err)
		}
	}
	var interval any
	if sched.IntervalSeconds > 0 {
		interval = sched.IntervalSeconds
	}
	var nextRun, lastRun any
	if !sched.NextRunAt.IsZero() {
		nextRun = sched.NextRunAt
	}
	if sched.LastRunAt != nil {
		lastRun = *sched.LastRunAt
	}
	_, err := s.db.ExecContext(ctx, upsertScheduleQuery,
		sched.ID,
		sched.Name,
		string(sched.TargetType),
		sched.TargetName,
		sqldb.NullIfEmpty(sched.CronExpression),
		interval,
		params,
		nextRun,
		sched.MisfireGraceSeconds,
		sched.Enabled,
		lastRun,
		sqldb.NullIfEmpty(string(sched.LastRunStatus)),
		sqldb.NullIfEmpty(sched.LastRunID),
		sched.CreatedAt,
		sched.UpdatedAt,
		partition,
	)
	if sqldb.IsUniqueViolation(err) {
		return ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.getOne(ctx, selectScheduleByIDQuery, id)
}

func (s *SQLStore) GetByName(ctx context.Context, name string) (*Schedule, error) {
	return s.getOne(ctx, selectScheduleByNameQuery, name)
}

func (s *SQLStore) List(ctx context.Context) ([]*Schedule, error) {
	return s.query(ctx, listSchedulesQuery)
}

func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = maxDueQueryLimit
	}
	return s.query(ctx, listDueSchedulesQuery, now, limit)
}

func (s *SQLStore) CountEnabled(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countEnabledQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

func (s *SQLStore) RecordRun(ctx context.Context, run *ScheduleRun) error {
	if run == nil || run.ScheduleID == "" {
		return ErrScheduleNotFound
	}
	var completed any
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, insertScheduleRunQuery,
		run.ID,
		run.ScheduleID,
		run.ScheduledFor,
		run.StartedAt,
		completed,
		string(run.Status),
		sqldb.NullIfEmpty(run.ExternalRunID),
		sqldb.NullIfEmpty(run.Error),
		string(run.Trigger),
	)
	if err != nil {
		return fmt.Errorf("insert schedule run: %w", err)
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	rows, err := s.db.QueryContext(ctx, listScheduleRunsQuery, scheduleID, normalizeRunsLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list schedule runs: %w", err)
	}
	defer rows.Close()
	var out []ScheduleRun
	for rows.Next() {
		var (
			run                  ScheduleRun
			completed            sql.NullTime
			status, trigger      string
			externalID, errorMsg sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.ScheduleID, &run.ScheduledFor, &run.StartedAt, &completed, &status, &externalID, &errorMsg, &trigger); err != nil {
			return nil, fmt.Errorf("scan schedule run: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			run.CompletedAt = &t
		}
		run.Status = RunStatus(status)
		run.Trigger = TriggerKind(trigger)
		run.ExternalRunID = externalID.String
		run.Error = errorMsg.String
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	return sched, err
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched                       Schedule
		targetType                  string
		cronExpr, status, lastRunID sql.NullString
		interval                    sql.NullInt64
		params, partition           []byte
		nextRun, lastRun            sql.NullTime
	)
	err := row.Scan(
		&sched.ID, &sched.Name, &targetType, &sched.TargetName, &cronExpr, &interval, &params,
		&nextRun, &sched.MisfireGraceSeconds, &sched.Enabled, &lastRun, &status, &lastRunID,
		&sched.CreatedAt, &sched.UpdatedAt, &partition,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.TargetType = workflow.TargetKind(targetType)
	sched.CronExpression = cronExpr.String
	sched.IntervalSeconds = interval.Int64
	sched.LastRunStatus = RunStatus(status.String)
	sched.LastRunID = lastRunID.String
	if nextRun.Valid {
		sched.NextRunAt = nextRun.Time
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &sched.Params); err != nil {
			return nil, fmt.Errorf("decode schedule params: %w", err)
		}
	}
	if len(partition) > 0 {
		if err := json.Unmarshal(partition, &sched.Partition); err != nil {
			return nil, fmt.Errorf("decode schedule partition: %w", err)
		}
	}
	return &sched, nil
}
