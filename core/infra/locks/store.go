// Package locks provides exclusive, expiring locks used to keep scheduler instances from
// dispatching the same schedule twice.
package locks

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = 30 * time.Second

// Lock captures current ownership of a resource.
type Lock struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// Locker manages exclusive resource locks. TryAcquire never blocks: it either takes the lock or
// reports that someone else holds it. Re-acquiring a lock you own refreshes its TTL.
type Locker interface {
	TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, resource string) (*Lock, error)
	// SweepExpired drops bookkeeping for lapsed locks and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
	CountActive(ctx context.Context) (int, error)
}

// ErrNotHeld is returned by Get when nobody holds the resource.
var ErrNotHeld = errors.New("locks: resource not held")

func normalize(resource, owner string) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", errors.New("locks: resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
