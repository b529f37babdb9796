package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// QueueStore keeps crawl queue rows in memory.
type QueueStore struct {
	mu    sync.Mutex
	items map[int64]warehouse.QueueItem
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{items: make(map[int64]warehouse.QueueItem)}
}

// InsertNew adds rows whose ids are not yet known.
func (s *QueueStore) InsertNew(_ context.Context, items []warehouse.QueueItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, item := range items {
		if _, exists := s.items[item.EntityID]; exists {
			continue
		}
		item.State = warehouse.StateNew
		s.items[item.EntityID] = item
		added++
	}
	return added, nil
}

// Claim leases eligible rows ordered by discovery time.
func (s *QueueStore) Claim(_ context.Context, req warehouse.ClaimRequest) ([]warehouse.QueueItem, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("claim token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []warehouse.QueueItem
	for _, item := range s.items {
		if item.Eligible(req.Now, req.RevisitAfter) {
			eligible = append(eligible, item)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].DiscoveredAt.Equal(eligible[j].DiscoveredAt) {
			return eligible[i].DiscoveredAt.Before(eligible[j].DiscoveredAt)
		}
		return eligible[i].EntityID < eligible[j].EntityID
	})
	if req.Limit > 0 && len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}
	until := req.Now.Add(req.Lease)
	for i := range eligible {
		eligible[i].ClaimedBy = req.Token
		eligible[i].ClaimedUntil = &until
		s.items[eligible[i].EntityID] = eligible[i]
	}
	return eligible, nil
}

// Apply stores next when the row is still leased to token in state prev.
func (s *QueueStore) Apply(_ context.Context, token string, prev warehouse.QueueState, next warehouse.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[next.EntityID]
	if !ok {
		return fmt.Errorf("listing %d: %w", next.EntityID, warehouse.ErrNotFound)
	}
	if cur.ClaimedBy != token || cur.State != prev {
		return warehouse.ErrClaimLost
	}
	next.ClaimedBy = ""
	next.ClaimedUntil = nil
	s.items[next.EntityID] = next
	return nil
}

// Renew extends a live lease held by token.
func (s *QueueStore) Renew(_ context.Context, token string, entityID int64, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[entityID]
	if !ok {
		return fmt.Errorf("listing %d: %w", entityID, warehouse.ErrNotFound)
	}
	if cur.ClaimedBy != token || cur.ClaimedUntil == nil || !cur.ClaimedUntil.After(now) {
		return warehouse.ErrClaimLost
	}
	cur.ClaimedUntil = &until
	s.items[entityID] = cur
	return nil
}

// Reset returns a terminal row to NEW.
func (s *QueueStore) Reset(_ context.Context, entityID int64) (warehouse.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[entityID]
	if !ok {
		return warehouse.QueueItem{}, warehouse.ErrNotFound
	}
	if !cur.State.Terminal() {
		return warehouse.QueueItem{}, fmt.Errorf("%w: %s is not terminal", warehouse.ErrInvalidTransition, cur.State)
	}
	cur.State = warehouse.StateNew
	cur.Attempts = 0
	cur.ParseFailures = 0
	cur.NextRetryAt = nil
	cur.LastError = nil
	cur.ClaimedBy = ""
	cur.ClaimedUntil = nil
	s.items[entityID] = cur
	return cur, nil
}

// Get returns one row.
func (s *QueueStore) Get(_ context.Context, entityID int64) (warehouse.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[entityID]
	if !ok {
		return warehouse.QueueItem{}, warehouse.ErrNotFound
	}
	return item, nil
}

// CountByState returns row counts per state.
func (s *QueueStore) CountByState(_ context.Context) (map[warehouse.QueueState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[warehouse.QueueState]int)
	for _, item := range s.items {
		out[item.State]++
	}
	return out, nil
}
