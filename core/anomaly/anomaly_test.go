package anomaly

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestPrepareFillsDefaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a := &Anomaly{Domain: "sales", Workflow: "daily", Severity: SeverityError, Category: CategoryStepFailure}
	if err := prepare(a, now); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if a.ID == "" || !a.CreatedAt.Equal(now) {
		t.Fatalf("expected id and timestamp, got %+v", a)
	}
	bad := []*Anomaly{
		nil,
		{Workflow: "daily", Severity: SeverityError, Category: CategoryStepFailure},
		{Domain: "sales", Workflow: "daily", Severity: "FATAL", Category: CategoryStepFailure},
		{Domain: "sales", Workflow: "daily", Severity: SeverityWarning},
	}
	for i, b := range bad {
		if err := prepare(b, now); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRedisStoreRecordList(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	first := &Anomaly{Domain: "sales", Workflow: "daily", Step: "load", Severity: SeverityWarning, Category: CategoryStepFailure, Message: "bad rows", Partition: map[string]any{"day": "2024-03-01"}}
	second := &Anomaly{Domain: "sales", Workflow: "daily", Severity: SeverityError, Category: CategoryWorkflowFailure, Message: "run failed"}
	for _, a := range []*Anomaly{first, second} {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.Record(ctx, &Anomaly{Domain: "sales"}); err == nil {
		t.Fatalf("expected validation error")
	}
	got, err := store.List(ctx, "sales", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Category != CategoryWorkflowFailure || got[1].Step != "load" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got[1].Partition["day"] != "2024-03-01" {
		t.Fatalf("expected partition round trip, got %v", got[1].Partition)
	}
	other, _ := store.List(ctx, "billing", 10)
	if len(other) != 0 {
		t.Fatalf("expected domain isolation, got %v", other)
	}
}

type captureDB struct {
	query string
	args  []any
}

type okResult struct{}

func (okResult) LastInsertId() (int64, error) { return 0, nil }
func (okResult) RowsAffected() (int64, error) { return 1, nil }

func (c *captureDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	c.query, c.args = query, args
	return okResult{}, nil
}

func (c *captureDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported")
}

func (c *captureDB) QueryRowContext(context.Context, string, ...any) *sql.Row { return nil }

func TestSQLStoreRecord(t *testing.T) {
	if !strings.Contains(insertAnomalyQuery, "ON CONFLICT (anomaly_id) DO NOTHING") {
		t.Fatalf("expected idempotent insert")
	}
	if !strings.Contains(listAnomaliesQuery, "WHERE domain = $1") || !strings.Contains(listAnomaliesQuery, "ORDER BY created_at DESC") {
		t.Fatalf("expected domain scoped, newest first list query")
	}
	db := &captureDB{}
	store := NewSQLStore(db)
	a := &Anomaly{
		Domain:    "sales",
		Workflow:  "daily",
		Severity:  SeverityError,
		Category:  CategoryStepFailure,
		Message:   "boom",
		Partition: map[string]any{"day": "2024-03-01"},
		Details:   map[string]any{"error_category": "transient"},
	}
	if err := store.Record(context.Background(), a); err != nil {
		t.Fatalf("record: %v", err)
	}
	if db.args[0] != a.ID || db.args[4] != nil || db.args[6] != "ERROR" {
		t.Fatalf("unexpected args: %v", db.args)
	}
	details := string(db.args[9].([]byte))
	if !strings.Contains(details, `"partition":{"day":"2024-03-01"}`) || !strings.Contains(details, `"error_category":"transient"`) {
		t.Fatalf("unexpected details column: %s", details)
	}
}
