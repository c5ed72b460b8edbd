package locks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Locker. Instances sharing one MemoryStore coordinate exactly like
// processes sharing a Redis lock store.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock
	now   func() time.Time
}

// NewMemoryStore returns an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{locks: map[string]Lock{}, now: now}
}

func (s *MemoryStore) TryAcquire(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.locks[resource]; ok && !cur.Expired(now) && cur.Owner != owner {
		return false, nil
	}
	s.locks[resource] = Lock{Resource: resource, Owner: owner, UpdatedAt: now, ExpiresAt: now.Add(normalizeTTL(ttl))}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, resource, owner string) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[resource]
	if !ok || cur.Owner != owner {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

func (s *MemoryStore) Renew(_ context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := normalize(resource, owner)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cur, ok := s.locks[resource]
	if !ok || cur.Owner != owner || cur.Expired(now) {
		return false, nil
	}
	cur.UpdatedAt = now
	cur.ExpiresAt = now.Add(normalizeTTL(ttl))
	s.locks[resource] = cur
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, resource string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[strings.TrimSpace(resource)]
	if !ok || cur.Expired(s.now()) {
		return nil, ErrNotHeld
	}
	return &cur, nil
}

func (s *MemoryStore) SweepExpired(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for resource, cur := range s.locks {
		if cur.Expired(now) {
			delete(s.locks, resource)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CountActive(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, cur := range s.locks {
		if !cur.Expired(now) {
			n++
		}
	}
	return n, nil
}
