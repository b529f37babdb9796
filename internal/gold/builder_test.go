package gold

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/hash/sha256"
	"github.com/JakeFAU/listing-warehouse/internal/silver"
	"github.com/JakeFAU/listing-warehouse/internal/storage/memory"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// racyGold hides existing rows from the first lookup of every natural key and reports insert
// conflicts the way the Postgres store does, forcing the re-read path.
type racyGold struct {
	*memory.GoldStore

	mu   sync.Mutex
	seen map[string]bool
}

func (g *racyGold) FindDimension(ctx context.Context, kind warehouse.DimensionKind, nk string) (int64, bool, error) {
	g.mu.Lock()
	first := !g.seen[nk]
	g.seen[nk] = true
	g.mu.Unlock()
	if first {
		return 0, false, nil
	}
	return g.GoldStore.FindDimension(ctx, kind, nk)
}

func (g *racyGold) InsertDimension(ctx context.Context, nk string, row warehouse.DimensionRow) (int64, bool, error) {
	key, inserted, err := g.GoldStore.InsertDimension(ctx, nk, row)
	if err == nil && !inserted {
		return 0, false, fmt.Errorf("insert: %w", warehouse.ErrConflict)
	}
	return key, inserted, err
}

type flakySilver struct {
	*memory.SilverStore
	failID int64
}

func (s *flakySilver) ListDailySnapshots(ctx context.Context, id int64) ([]warehouse.DailySnapshot, error) {
	if id == s.failID {
		return nil, errors.New("replica lag")
	}
	return s.SilverStore.ListDailySnapshots(ctx, id)
}

var testNow = time.Date(2025, 3, 11, 6, 0, 0, 0, time.UTC)

func seedSilver(t *testing.T, store *memory.SilverStore, records map[time.Time][]warehouse.NormalizedRecord) {
	t.Helper()
	n, err := silver.NewNormalizer(store, sha256.New(), time.UTC, nil)
	require.NoError(t, err)
	for ts, recs := range records {
		for _, rec := range recs {
			_, err := n.Normalize(context.Background(), rec, ts)
			require.NoError(t, err)
		}
	}
}

func listing(id int64, price int64, brand, model string) warehouse.NormalizedRecord {
	rec := warehouse.NormalizedRecord{
		EntityID: id,
		Listing: warehouse.Listing{
			URL:   fmt.Sprintf("https://kolesa.kz/a/show/%d", id),
			Price: warehouse.Ptr(price),
			City:  warehouse.Ptr("Алматы"),
		},
	}
	if brand != "" {
		rec.Make = warehouse.Ptr(brand)
	}
	if model != "" {
		rec.Model = warehouse.Ptr(model)
	}
	return rec
}

func newTestBuilder(t *testing.T, s warehouse.SilverStore, g warehouse.GoldStore) *Builder {
	t.Helper()
	b, err := NewBuilder(s, g, &fakeClock{now: testNow}, time.UTC, Config{DaysBack: 30, DaysForward: 30, PageSize: 2, Concurrency: 3}, nil)
	require.NoError(t, err)
	return b
}

func TestBuilderBuildsFactsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	silverStore := memory.NewSilverStore()
	day1 := testNow.Add(-24 * time.Hour)
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{
		day1: {listing(1, 5_000_000, "Toyota", "Camry"), listing(2, 100, "Kia", "Rio"), listing(3, 1, "", "")},
	})
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{
		testNow: {listing(1, 4_800_000, "Toyota", "Camry")},
	})

	goldStore := memory.NewGoldStore()
	b := newTestBuilder(t, silverStore, goldStore)

	summary, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Entities)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Failed)
	require.Equal(t, 61, summary.DatesAdded)
	require.Equal(t, 3, summary.FactsWritten)
	require.Equal(t, 1, summary.EventsInserted)

	facts := goldStore.Facts()
	require.Len(t, facts, 3)
	require.Equal(t, 20250310, facts[0].DateKey)
	require.Equal(t, 0, facts[0].DaysOnSite)
	last := facts[2]
	require.Equal(t, int64(1), last.EntityID)
	require.Equal(t, 20250311, last.DateKey)
	require.Equal(t, int64(4_800_000), *last.Price)
	require.Equal(t, 1, last.DaysOnSite)
	require.Equal(t, facts[0].VehicleKey, last.VehicleKey)

	events := goldStore.PriceEvents()
	require.Len(t, events, 1)
	require.Equal(t, int64(5_000_000), events[0].OldPrice)
	require.Equal(t, 20250311, events[0].DateKey)

	again, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, again.FactsWritten)
	require.Equal(t, 3, again.FactsUnchanged)
	require.Zero(t, again.EventsInserted)
	require.Equal(t, 1, again.EventsExisting)
	require.Zero(t, again.DimensionsCreated)
	require.Zero(t, again.DatesAdded)
}

func TestBuilderConcurrentRunsShareOneVehicleRow(t *testing.T) {
	t.Parallel()

	silverStore := memory.NewSilverStore()
	recs := make([]warehouse.NormalizedRecord, 0, 20)
	for id := int64(1); id <= 20; id++ {
		recs = append(recs, listing(id, 100, "Toyota", "Camry"))
	}
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{testNow: recs})

	goldStore := memory.NewGoldStore()
	builders := []*Builder{newTestBuilder(t, silverStore, goldStore), newTestBuilder(t, silverStore, goldStore)}
	var wg sync.WaitGroup
	for _, b := range builders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, goldStore.DimensionCount(warehouse.DimVehicle))
	require.Equal(t, 1, goldStore.DimensionCount(warehouse.DimLocation))
	require.Len(t, goldStore.Facts(), 20)
}

func TestBuilderRereadsAfterInsertConflict(t *testing.T) {
	t.Parallel()

	silverStore := memory.NewSilverStore()
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{
		testNow: {listing(1, 100, "Toyota", "Camry")},
	})
	inner := memory.NewGoldStore()
	vehicleKey, _, err := inner.InsertDimension(context.Background(), NaturalKey(warehouse.VehicleDim{
		Make: warehouse.Ptr("Toyota"), Model: warehouse.Ptr("Camry"),
	}), warehouse.VehicleDim{Make: warehouse.Ptr("Toyota"), Model: warehouse.Ptr("Camry")})
	require.NoError(t, err)

	racy := &racyGold{GoldStore: inner, seen: make(map[string]bool)}
	summary, err := newTestBuilder(t, silverStore, racy).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Failed)
	require.Equal(t, 2, summary.DimensionsCreated)

	facts := inner.Facts()
	require.Len(t, facts, 1)
	require.Equal(t, vehicleKey, facts[0].VehicleKey)
	require.Equal(t, 1, inner.DimensionCount(warehouse.DimVehicle))
}

func TestBuilderContinuesAfterEntityFailure(t *testing.T) {
	t.Parallel()

	base := memory.NewSilverStore()
	seedSilver(t, base, map[time.Time][]warehouse.NormalizedRecord{
		testNow: {listing(1, 1, "Lada", "Vesta"), listing(2, 2, "Lada", "Granta"), listing(3, 3, "Lada", "Niva")},
	})
	goldStore := memory.NewGoldStore()
	summary, err := newTestBuilder(t, &flakySilver{SilverStore: base, failID: 2}, goldStore).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 2, summary.FactsWritten)
	require.Len(t, goldStore.Facts(), 2)
}

func TestBuilderAddsDatesOutsideWindow(t *testing.T) {
	t.Parallel()

	silverStore := memory.NewSilverStore()
	old := testNow.AddDate(-2, 0, 0)
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{
		old: {listing(1, 1, "BMW", "X5")},
	})
	goldStore := memory.NewGoldStore()
	_, err := newTestBuilder(t, silverStore, goldStore).Run(context.Background())
	require.NoError(t, err)
	require.True(t, goldStore.HasDate(warehouse.DateKeyOf(warehouse.DayOf(old, time.UTC))))
	require.Len(t, goldStore.Facts(), 1)
}

func TestBuilderStopsOnCancel(t *testing.T) {
	t.Parallel()

	silverStore := memory.NewSilverStore()
	seedSilver(t, silverStore, map[time.Time][]warehouse.NormalizedRecord{
		testNow: {listing(1, 1, "BMW", "X5")},
	})
	goldStore := memory.NewGoldStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := newTestBuilder(t, silverStore, goldStore).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, summary.Entities)
	require.Empty(t, goldStore.Facts())
}

func TestBuilderHonorsZeroDateWindow(t *testing.T) {
	t.Parallel()

	goldStore := memory.NewGoldStore()
	b, err := NewBuilder(memory.NewSilverStore(), goldStore, &fakeClock{now: testNow}, time.UTC, Config{}, nil)
	require.NoError(t, err)

	summary, err := b.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.DatesAdded)
	require.True(t, goldStore.HasDate(20250311))
	require.False(t, goldStore.HasDate(20250310))
	require.False(t, goldStore.HasDate(20250312))

	_, err = NewBuilder(memory.NewSilverStore(), goldStore, &fakeClock{now: testNow}, time.UTC, Config{DaysBack: -1}, nil)
	require.Error(t, err)
}
