package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func TestSilverStoreRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := NewSilverStore()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := store.WithinEntity(ctx, 1, func(ctx context.Context, tx warehouse.SilverTx) error {
		require.NoError(t, tx.SaveCurrent(ctx, warehouse.CurrentState{EntityID: 1, FirstSeenAt: now, LastSeenAt: now}))
		require.NoError(t, tx.UpsertDailySnapshot(ctx, warehouse.DailySnapshot{EntityID: 1, Day: warehouse.DayOf(now, nil)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetCurrent(ctx, 1)
	require.ErrorIs(t, err, warehouse.ErrNotFound)
	snaps, err := store.ListDailySnapshots(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestSilverStoreRejectsForeignEntity(t *testing.T) {
	t.Parallel()

	store := NewSilverStore()
	err := store.WithinEntity(context.Background(), 1, func(ctx context.Context, tx warehouse.SilverTx) error {
		return tx.SaveCurrent(ctx, warehouse.CurrentState{EntityID: 2})
	})
	require.Error(t, err)
}

func TestSilverStorePriceEventsAndViews(t *testing.T) {
	t.Parallel()

	store := NewSilverStore()
	ctx := context.Background()
	ts := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	day := warehouse.DayOf(ts, nil)

	err := store.WithinEntity(ctx, 7, func(ctx context.Context, tx warehouse.SilverTx) error {
		require.NoError(t, tx.SaveCurrent(ctx, warehouse.CurrentState{EntityID: 7, IsActive: true}))
		inserted, err := tx.InsertPriceEvent(ctx, warehouse.PriceEvent{EntityID: 7, EventTS: ts, OldPrice: 10, NewPrice: 9})
		require.NoError(t, err)
		require.True(t, inserted)
		inserted, err = tx.InsertPriceEvent(ctx, warehouse.PriceEvent{EntityID: 7, EventTS: ts, OldPrice: 10, NewPrice: 9})
		require.NoError(t, err)
		require.False(t, inserted)
		return tx.UpsertDailySnapshot(ctx, warehouse.DailySnapshot{EntityID: 7, Day: day, IsActive: true})
	})
	require.NoError(t, err)

	events, err := store.ListPriceEvents(ctx, 7)
	require.NoError(t, err)
	require.Len(t, events, 1)

	missing, err := store.ListMissingViews(ctx, day, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, missing)

	updated, err := store.UpdateViews(ctx, 7, day, 42)
	require.NoError(t, err)
	require.True(t, updated)
	cur, err := store.GetCurrent(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 42, *cur.Views)

	missing, err = store.ListMissingViews(ctx, day, 10)
	require.NoError(t, err)
	require.Empty(t, missing)

	updated, err = store.UpdateViews(ctx, 7, day.AddDate(0, 0, 1), 1)
	require.NoError(t, err)
	require.False(t, updated)
}

func TestSilverStoreListCurrentPages(t *testing.T) {
	t.Parallel()

	store := NewSilverStore()
	ctx := context.Background()
	for _, id := range []int64{5, 1, 3} {
		require.NoError(t, store.WithinEntity(ctx, id, func(ctx context.Context, tx warehouse.SilverTx) error {
			return tx.SaveCurrent(ctx, warehouse.CurrentState{EntityID: id})
		}))
	}
	page, err := store.ListCurrent(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(1), page[0].EntityID)
	require.Equal(t, int64(3), page[1].EntityID)

	page, err = store.ListCurrent(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, int64(5), page[0].EntityID)
}
