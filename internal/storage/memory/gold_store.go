package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

type factKey struct {
	dateKey  int
	entityID int64
}

type eventKey struct {
	entityID int64
	ts       int64
}

// GoldStore keeps the star schema in memory. Dimension keys are assigned from one sequence.
type GoldStore struct {
	mu     sync.Mutex
	seq    int64
	dates  map[int]warehouse.DateDim
	keys   map[warehouse.DimensionKind]map[string]int64
	rows   map[int64]warehouse.DimensionRow
	facts  map[factKey]warehouse.FactDaily
	events map[eventKey]warehouse.FactPriceEvent
}

// NewGoldStore constructs a GoldStore.
func NewGoldStore() *GoldStore {
	return &GoldStore{
		dates:  make(map[int]warehouse.DateDim),
		keys:   make(map[warehouse.DimensionKind]map[string]int64),
		rows:   make(map[int64]warehouse.DimensionRow),
		facts:  make(map[factKey]warehouse.FactDaily),
		events: make(map[eventKey]warehouse.FactPriceEvent),
	}
}

// EnsureDates inserts missing calendar rows.
func (s *GoldStore) EnsureDates(_ context.Context, dates []warehouse.DateDim) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, d := range dates {
		if _, ok := s.dates[d.DateKey]; ok {
			continue
		}
		s.dates[d.DateKey] = d
		added++
	}
	return added, nil
}

// FindDimension looks up a surrogate key by natural key.
func (s *GoldStore) FindDimension(_ context.Context, kind warehouse.DimensionKind, naturalKey string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[kind][naturalKey]
	return key, ok, nil
}

// InsertDimension inserts a dimension row unless its natural key exists.
func (s *GoldStore) InsertDimension(
	_ context.Context,
	naturalKey string,
	row warehouse.DimensionRow,
) (int64, bool, error) {
	if row == nil {
		return 0, false, fmt.Errorf("dimension row is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := row.Kind()
	if s.keys[kind] == nil {
		s.keys[kind] = make(map[string]int64)
	}
	if key, ok := s.keys[kind][naturalKey]; ok {
		return key, false, nil
	}
	s.seq++
	s.keys[kind][naturalKey] = s.seq
	s.rows[s.seq] = row
	return s.seq, true, nil
}

// UpsertFactDaily inserts the fact or updates its measures when they differ.
func (s *GoldStore) UpsertFactDaily(_ context.Context, fact warehouse.FactDaily) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dates[fact.DateKey]; !ok {
		return false, fmt.Errorf("date %d missing from calendar dimension", fact.DateKey)
	}
	k := factKey{dateKey: fact.DateKey, entityID: fact.EntityID}
	existing, ok := s.facts[k]
	if !ok {
		s.facts[k] = fact
		return true, nil
	}
	if existing.SameMeasures(fact) {
		return false, nil
	}
	existing.Price = fact.Price
	existing.IsActive = fact.IsActive
	existing.DaysOnSite = fact.DaysOnSite
	existing.Views = fact.Views
	existing.PhotoCount = fact.PhotoCount
	s.facts[k] = existing
	return true, nil
}

// InsertFactPriceEvent appends a price event unless it exists.
func (s *GoldStore) InsertFactPriceEvent(_ context.Context, event warehouse.FactPriceEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{entityID: event.EntityID, ts: event.EventTS.UnixNano()}
	if _, ok := s.events[k]; ok {
		return false, nil
	}
	s.events[k] = event
	return true, nil
}

// DimensionCount returns the number of rows of one dimension.
func (s *GoldStore) DimensionCount(kind warehouse.DimensionKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys[kind])
}

// Dimension returns the row stored under a surrogate key.
func (s *GoldStore) Dimension(key int64) (warehouse.DimensionRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	return row, ok
}

// HasDate reports whether the calendar dimension contains the key.
func (s *GoldStore) HasDate(dateKey int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dates[dateKey]
	return ok
}

// Facts returns daily facts ordered by date then listing.
func (s *GoldStore) Facts() []warehouse.FactDaily {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]warehouse.FactDaily, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateKey != out[j].DateKey {
			return out[i].DateKey < out[j].DateKey
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// PriceEvents returns gold price events ordered by time.
func (s *GoldStore) PriceEvents() []warehouse.FactPriceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]warehouse.FactPriceEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTS.Before(out[j].EventTS) })
	return out
}

func (s *GoldStore) factsOn(day time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := warehouse.DateKeyOf(day)
	n := 0
	for k := range s.facts {
		if k.dateKey == key {
			n++
		}
	}
	return n
}
