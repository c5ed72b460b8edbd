package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/stagehand/core/infra/sqldb"
)

const (
	acquireLockQuery = `INSERT INTO scheduler_locks (resource, owner, expires_at, updated_at)
	VALUES ($1,$2,$3,$4)
	ON CONFLICT (resource) DO UPDATE SET
		owner = EXCLUDED.owner,
		expires_at = EXCLUDED.expires_at,
		updated_at = EXCLUDED.updated_at
	WHERE scheduler_locks.owner = EXCLUDED.owner OR scheduler_locks.expires_at <= EXCLUDED.updated_at`

	releaseLockQuery = `DELETE FROM scheduler_locks WHERE resource = $1 AND owner = $2`

	renewLockQuery = `UPDATE scheduler_locks
	SET expires_at = $3, updated_at = $4
	WHERE resource = $1 AND owner = $2 AND expires_at > $4`

	selectLockQuery = `SELECT owner, expires_at, updated_at FROM scheduler_locks WHERE resource = $1 AND expires_at > $2`

	sweepLocksQuery = `DELETE FROM scheduler_locks WHERE expires_at <= $1`

	countLocksQuery = `SELECT COUNT(*) FROM scheduler_locks WHERE expires_at > $1`
)

// SQLStore keeps locks in a Postgres table. Acquisition is a single conditional upsert.
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

func (s *SQLStore) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	now := s.now()
	return s.affected(ctx, acquireLockQuery, resource, owner, now.Add(normalizeTTL(ttl)), now)
}

func (s *SQLStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	return s.affected(ctx, releaseLockQuery, resource, owner)
}

func (s *SQLStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	now := s.now()
	return s.affected(ctx, renewLockQuery, resource, owner, now.Add(normalizeTTL(ttl)), now)
}

func (s *SQLStore) Get(ctx context.Context, resource string) (*Lock, error) {
	lock := &Lock{Resource: strings.TrimSpace(resource)}
	err := s.db.QueryRowContext(ctx, selectLockQuery, lock.Resource, s.now()).Scan(&lock.Owner, &lock.ExpiresAt, &lock.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, fmt.Errorf("select lock: %w", err)
	}
	return lock, nil
}

func (s *SQLStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, sweepLocksQuery, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, countLocksQuery, s.now()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return n, nil
}

func (s *SQLStore) affected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("lock query: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
