package store

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/taskgate/pkg/models"
)

// MemoryStore is an in-memory implementation of the token store.
// A single mutex serializes all writers, which gives the per-key ordering
// the coordinator needs.
type MemoryStore struct {
	records map[string]*models.Suspension
	mu      sync.RWMutex
	now     nowFunc
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.Suspension),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put inserts a new suspension
func (s *MemoryStore) Put(ctx context.Context, rec *models.Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.CorrelationKey]; ok && !existing.Expired(s.now()) {
		return ErrSuspensionExists
	}
	s.records[rec.CorrelationKey] = rec.Clone()
	return nil
}

// Get retrieves a live suspension by correlation key
func (s *MemoryStore) Get(ctx context.Context, key string) (*models.Suspension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, ErrSuspensionNotFound
	}
	return rec.Clone(), nil
}

// Delete removes a suspension; absent keys are not an error
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// DeleteIfHandle removes the suspension only if it still carries handle
func (s *MemoryStore) DeleteIfHandle(ctx context.Context, key, handle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.ResumptionHandle != handle {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Claim leases a live suspension to owner
func (s *MemoryStore) Claim(ctx context.Context, key, owner string, lease time.Duration) (*models.Suspension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if !ok || rec.Expired(now) {
		return nil, ErrSuspensionNotFound
	}
	if rec.Claimed(now) && rec.ClaimOwner != owner {
		return nil, ErrClaimed
	}
	rec.ClaimOwner = owner
	rec.ClaimUntil = now.Add(lease)
	return rec.Clone(), nil
}

// Release drops owner's lease
func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.ClaimOwner == owner {
		rec.ClaimOwner = ""
		rec.ClaimUntil = time.Time{}
	}
	return nil
}

// PurgeExpired removes up to limit expired suspensions that no resolver
// is holding
func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, rec := range s.records {
		if limit > 0 && purged >= limit {
			break
		}
		if rec.Expired(now) && !rec.Claimed(now) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

// Stats counts records by visibility
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	stats := &Stats{}
	for _, rec := range s.records {
		switch {
		case rec.Expired(now):
			stats.Expired++
		case rec.Claimed(now):
			stats.Live++
			stats.Claimed++
		default:
			stats.Live++
		}
	}
	return stats, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Vacuum is a no-op for the in-memory store
func (s *MemoryStore) Vacuum(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }
