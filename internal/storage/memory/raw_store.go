package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// RawStore keeps bronze metadata rows in memory.
type RawStore struct {
	mu   sync.RWMutex
	rows map[int64][]warehouse.RawSnapshot
}

// NewRawStore constructs a RawStore.
func NewRawStore() *RawStore {
	return &RawStore{rows: make(map[int64][]warehouse.RawSnapshot)}
}

// InsertRawSnapshot appends a metadata row; (entity, fetched_at) must be unique.
func (s *RawStore) InsertRawSnapshot(_ context.Context, snapshot warehouse.RawSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows[snapshot.EntityID] {
		if existing.FetchedAt.Equal(snapshot.FetchedAt) {
			return fmt.Errorf("raw snapshot %d at %s already exists", snapshot.EntityID, snapshot.FetchedAt)
		}
	}
	s.rows[snapshot.EntityID] = append(s.rows[snapshot.EntityID], snapshot)
	return nil
}

// LatestRawSnapshot returns the newest row for a listing.
func (s *RawStore) LatestRawSnapshot(_ context.Context, entityID int64) (warehouse.RawSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[entityID]
	if len(rows) == 0 {
		return warehouse.RawSnapshot{}, warehouse.ErrNotFound
	}
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.FetchedAt.After(latest.FetchedAt) {
			latest = r
		}
	}
	return latest, nil
}

// Snapshots returns all rows of a listing in insertion order.
func (s *RawStore) Snapshots(entityID int64) []warehouse.RawSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]warehouse.RawSnapshot(nil), s.rows[entityID]...)
}

func (s *RawStore) countBetween(start, end int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.rows {
		for _, r := range rows {
			ts := r.FetchedAt.UnixNano()
			if ts >= start && ts < end {
				n++
			}
		}
	}
	return n
}
