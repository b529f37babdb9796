package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// SilverStore keeps normalized listing state in memory. WithinEntity serializes work per listing
// and commits staged writes only when the callback succeeds.
type SilverStore struct {
	mu      sync.Mutex
	locks   map[int64]*sync.Mutex
	current map[int64]warehouse.CurrentState
	daily   map[int64]map[string]warehouse.DailySnapshot
	events  map[int64]map[int64]warehouse.PriceEvent
}

// NewSilverStore constructs a SilverStore.
func NewSilverStore() *SilverStore {
	return &SilverStore{
		locks:   make(map[int64]*sync.Mutex),
		current: make(map[int64]warehouse.CurrentState),
		daily:   make(map[int64]map[string]warehouse.DailySnapshot),
		events:  make(map[int64]map[int64]warehouse.PriceEvent),
	}
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

func (s *SilverStore) entityLock(entityID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[entityID] = l
	}
	return l
}

// WithinEntity runs fn with exclusive access to one listing.
func (s *SilverStore) WithinEntity(
	ctx context.Context,
	entityID int64,
	fn func(ctx context.Context, tx warehouse.SilverTx) error,
) error {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	tx := &silverTx{store: s, entityID: entityID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type silverTx struct {
	store    *SilverStore
	entityID int64
	current  *warehouse.CurrentState
	daily    []warehouse.DailySnapshot
	events   []warehouse.PriceEvent
}

func (tx *silverTx) check(entityID int64) error {
	if entityID != tx.entityID {
		return fmt.Errorf("transaction for listing %d cannot write listing %d", tx.entityID, entityID)
	}
	return nil
}

func (tx *silverTx) LoadCurrent(_ context.Context, entityID int64) (warehouse.CurrentState, bool, error) {
	if err := tx.check(entityID); err != nil {
		return warehouse.CurrentState{}, false, err
	}
	if tx.current != nil {
		return *tx.current, true, nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	cur, ok := tx.store.current[entityID]
	return cur, ok, nil
}

func (tx *silverTx) SaveCurrent(_ context.Context, state warehouse.CurrentState) error {
	if err := tx.check(state.EntityID); err != nil {
		return err
	}
	state.Photos = append([]string(nil), state.Photos...)
	tx.current = &state
	return nil
}

func (tx *silverTx) InsertPriceEvent(_ context.Context, event warehouse.PriceEvent) (bool, error) {
	if err := tx.check(event.EntityID); err != nil {
		return false, err
	}
	key := event.EventTS.UnixNano()
	for _, staged := range tx.events {
		if staged.EventTS.UnixNano() == key {
			return false, nil
		}
	}
	tx.store.mu.Lock()
	_, exists := tx.store.events[event.EntityID][key]
	tx.store.mu.Unlock()
	if exists {
		return false, nil
	}
	tx.events = append(tx.events, event)
	return true, nil
}

func (tx *silverTx) UpsertDailySnapshot(_ context.Context, snapshot warehouse.DailySnapshot) error {
	if err := tx.check(snapshot.EntityID); err != nil {
		return err
	}
	tx.daily = append(tx.daily, snapshot)
	return nil
}

func (tx *silverTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.current != nil {
		s.current[tx.entityID] = *tx.current
	}
	for _, snap := range tx.daily {
		if s.daily[tx.entityID] == nil {
			s.daily[tx.entityID] = make(map[string]warehouse.DailySnapshot)
		}
		key := dayKey(snap.Day)
		if prev, ok := s.daily[tx.entityID][key]; ok {
			if snap.Views == nil {
				snap.Views = prev.Views
			}
			if snap.PhotoCount == nil {
				snap.PhotoCount = prev.PhotoCount
			}
		}
		s.daily[tx.entityID][key] = snap
	}
	for _, ev := range tx.events {
		if s.events[tx.entityID] == nil {
			s.events[tx.entityID] = make(map[int64]warehouse.PriceEvent)
		}
		s.events[tx.entityID][ev.EventTS.UnixNano()] = ev
	}
}

// GetCurrent returns the current row of a listing.
func (s *SilverStore) GetCurrent(_ context.Context, entityID int64) (warehouse.CurrentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.current[entityID]
	if !ok {
		return warehouse.CurrentState{}, warehouse.ErrNotFound
	}
	return cur, nil
}

// ListCurrent pages current rows by entity id.
func (s *SilverStore) ListCurrent(_ context.Context, afterID int64, limit int) ([]warehouse.CurrentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.current))
	for id := range s.current {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]warehouse.CurrentState, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.current[id])
	}
	return out, nil
}

// ListDailySnapshots returns a listing's snapshots ordered by day.
func (s *SilverStore) ListDailySnapshots(_ context.Context, entityID int64) ([]warehouse.DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]warehouse.DailySnapshot, 0, len(s.daily[entityID]))
	for _, snap := range s.daily[entityID] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// ListPriceEvents returns a listing's price events ordered by time.
func (s *SilverStore) ListPriceEvents(_ context.Context, entityID int64) ([]warehouse.PriceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]warehouse.PriceEvent, 0, len(s.events[entityID]))
	for _, ev := range s.events[entityID] {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTS.Before(out[j].EventTS) })
	return out, nil
}

// ListMissingViews returns ids whose snapshot for day lacks a view count.
func (s *SilverStore) ListMissingViews(_ context.Context, day time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(day)
	var ids []int64
	for id, days := range s.daily {
		if snap, ok := days[key]; ok && snap.Views == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// UpdateViews sets the day's snapshot views and the current row's views.
func (s *SilverStore) UpdateViews(_ context.Context, entityID int64, day time.Time, views int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.daily[entityID][dayKey(day)]
	if !ok {
		return false, nil
	}
	snap.Views = &views
	s.daily[entityID][dayKey(day)] = snap
	if cur, ok := s.current[entityID]; ok {
		cur.Views = &views
		s.current[entityID] = cur
	}
	return true, nil
}

func (s *SilverStore) qualityCounts(day time.Time) (snapshots, active, activeNoPrice, missingMakeModel int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey(day)
	for _, days := range s.daily {
		if _, ok := days[key]; ok {
			snapshots++
		}
	}
	for _, cur := range s.current {
		if cur.IsActive {
			active++
			if cur.Price == nil {
				activeNoPrice++
			}
		}
		if cur.Make == nil || cur.Model == nil {
			missingMakeModel++
		}
	}
	return snapshots, active, activeNoPrice, missingMakeModel
}
