package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/sqldb"
)

const (
	selectEntryQuery = `SELECT stage, rank, row_count, execution_id, duration_ms, version, created_at, updated_at
	 FROM manifest_entries
	 WHERE domain = $1 AND partition_key = $2`

	advanceEntryQuery = `INSERT INTO manifest_entries (
		domain,
		partition_key,
		stage,
		rank,
		row_count,
		execution_id,
		duration_ms,
		version,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	ON CONFLICT (domain, partition_key) DO UPDATE SET
		stage = EXCLUDED.stage,
		rank = EXCLUDED.rank,
		row_count = EXCLUDED.row_count,
		execution_id = EXCLUDED.execution_id,
		duration_ms = EXCLUDED.duration_ms,
		version = EXCLUDED.version,
		updated_at = EXCLUDED.updated_at
	WHERE manifest_entries.rank <= EXCLUDED.rank`

	upsertStepQuery = `INSERT INTO manifest_steps (
		domain,
		partition_key,
		step,
		stage,
		row_count,
		execution_id,
		duration_ms,
		output,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (domain, partition_key, step) DO UPDATE SET
		stage = EXCLUDED.stage,
		row_count = EXCLUDED.row_count,
		execution_id = EXCLUDED.execution_id,
		duration_ms = EXCLUDED.duration_ms,
		output = EXCLUDED.output,
		recorded_at = EXCLUDED.recorded_at`

	listStepsQuery = `SELECT step, stage, row_count, execution_id, duration_ms, output, recorded_at
	 FROM manifest_steps
	 WHERE domain = $1 AND partition_key = $2
	 ORDER BY recorded_at ASC, step ASC`
)

// SQLStore keeps manifest entries in Postgres.
type SQLStore struct {
	db  sqldb.DB
	now func() time.Time
}

// NewSQLStore wraps db.
func NewSQLStore(db sqldb.DB) *SQLStore {
	if db == nil {
		return nil
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Get fetches the entry for a partition.
func (s *SQLStore) Get(ctx context.Context, domain, partitionKey string) (*Entry, error) {
	if err := validateKey(domain, partitionKey); err != nil {
		return nil, err
	}
	var (
		entry       = Entry{Domain: domain, PartitionKey: partitionKey}
		stage       string
		executionID sql.NullString
		version     sql.NullString
		durationMS  int64
	)
	err := s.db.QueryRowContext(ctx, selectEntryQuery, domain, partitionKey).Scan(
		&stage,
		&entry.Rank,
		&entry.RowCount,
		&executionID,
		&durationMS,
		&version,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select manifest entry: %w", err)
	}
	entry.Stage = Stage(stage)
	entry.ExecutionID = executionID.String
	entry.Version = version.String
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	return &entry, nil
}

// Advance upserts the entry, guarded by rank so the stored stage never regresses.
func (s *SQLStore) Advance(ctx context.Context, entry Entry) (bool, error) {
	if err := validateKey(entry.Domain, entry.PartitionKey); err != nil {
		return false, err
	}
	if entry.Stage == "" || entry.Rank <= 0 {
		return false, fmt.Errorf("manifest: stage and positive rank required")
	}
	res, err := s.db.ExecContext(ctx, advanceEntryQuery,
		entry.Domain,
		entry.PartitionKey,
		string(entry.Stage),
		entry.Rank,
		entry.RowCount,
		sqldb.NullIfEmpty(entry.ExecutionID),
		entry.Duration.Milliseconds(),
		sqldb.NullIfEmpty(entry.Version),
		s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("advance manifest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance manifest rows: %w", err)
	}
	return n > 0, nil
}

// RecordStep upserts a step checkpoint.
func (s *SQLStore) RecordStep(ctx context.Context, domain, partitionKey string, rec StepRecord) error {
	if err := validateKey(domain, partitionKey); err != nil {
		return err
	}
	if rec.Step == "" {
		return fmt.Errorf("manifest: step required")
	}
	if rec.Stage == "" {
		rec.Stage = StepStage(rec.Step)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	var output []byte
	if rec.Output != nil {
		encoded, err := json.Marshal(rec.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		output = encoded
	}
	_, err := s.db.ExecContext(ctx, upsertStepQuery,
		domain,
		partitionKey,
		rec.Step,
		string(rec.Stage),
		rec.RowCount,
		sqldb.NullIfEmpty(rec.ExecutionID),
		rec.Duration.Milliseconds(),
		output,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record manifest step: %w", err)
	}
	return nil
}

// Steps lists checkpoints for a partition.
func (s *SQLStore) Steps(ctx context.Context, domain, partitionKey string) (map[string]StepRecord, error) {
	if err := validateKey(domain, partitionKey); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, listStepsQuery, domain, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("list manifest steps: %w", err)
	}
	defer rows.Close()

	out := map[string]StepRecord{}
	for rows.Next() {
		var (
			rec         StepRecord
			stage       string
			executionID sql.NullString
			durationMS  int64
			output      []byte
		)
		if err := rows.Scan(&rec.Step, &stage, &rec.RowCount, &executionID, &durationMS, &output, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan manifest step: %w", err)
		}
		rec.Stage = Stage(stage)
		rec.ExecutionID = executionID.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if len(output) > 0 {
			if err := json.Unmarshal(output, &rec.Output); err != nil {
				return nil, fmt.Errorf("decode step output: %w", err)
			}
		}
		out[rec.Step] = rec
	}
	return out, rows.Err()
}
