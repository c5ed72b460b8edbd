package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/stagehand/core/infra/sqldb"
)

const (
	insertAnomalyQuery = `INSERT INTO anomalies (
		anomaly_id,
		domain,
		partition_key,
		workflow,
		step,
		execution_id,
		severity,
		category,
		message,
		details,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (anomaly_id) DO NOTHING`

	listAnomaliesQuery = `SELECT anomaly_id, domain, partition_key, workflow, step, execution_id, severity, category, message, details, created_at
	 FROM anomalies
	 WHERE domain = $1
	 ORDER BY created_at DESC, anomaly_id ASC
	 LIMIT $2`
)

// SQLStore keeps anomalies in Postgres.
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

// Record inserts a. Re-recording the same ID is a no-op.
func (s *SQLStore) Record(ctx context.Context, a *Anomaly) error {
	if err := prepare(a, time.Now().UTC()); err != nil {
		return err
	}
	details, err := json.Marshal(detailsWithPartition(a))
	if err != nil {
		return fmt.Errorf("marshal anomaly details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertAnomalyQuery,
		a.ID,
		a.Domain,
		sqldb.NullIfEmpty(a.PartitionKey),
		a.Workflow,
		sqldb.NullIfEmpty(a.Step),
		sqldb.NullIfEmpty(a.ExecutionID),
		string(a.Severity),
		string(a.Category),
		a.Message,
		details,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

// List returns the newest anomalies of a domain.
func (s *SQLStore) List(ctx context.Context, domain string, limit int) ([]Anomaly, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain required")
	}
	rows, err := s.db.QueryContext(ctx, listAnomaliesQuery, domain, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var (
			a                             Anomaly
			partitionKey, step, execution sql.NullString
			severity, category            string
			details                       []byte
		)
		if err := rows.Scan(&a.ID, &a.Domain, &partitionKey, &a.Workflow, &step, &execution, &severity, &category, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.PartitionKey = partitionKey.String
		a.Step = step.String
		a.ExecutionID = execution.String
		a.Severity = Severity(severity)
		a.Category = Category(category)
		if len(details) > 0 {
			var stored map[string]any
			if err := json.Unmarshal(details, &stored); err != nil {
				return nil, fmt.Errorf("decode anomaly details: %w", err)
			}
			if p, ok := stored["partition"].(map[string]any); ok {
				a.Partition = p
				delete(stored, "partition")
			}
			if len(stored) > 0 {
				a.Details = stored
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// detailsWithPartition folds the partition into the details column.
func detailsWithPartition(a *Anomaly) map[string]any {
	out := make(map[string]any, len(a.Details)+1)
	for k, v := range a.Details {
		out[k] = v
	}
	if len(a.Partition) > 0 {
		out["partition"] = a.Partition
	}
	return out
}
