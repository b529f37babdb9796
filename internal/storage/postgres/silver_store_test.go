package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func TestSilverStoreWithinEntityCommits(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSilverStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(int64(3)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FROM silver.listing_current WHERE listing_id = \\$1 FOR UPDATE").
		WithArgs(int64(3)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO silver.price_event").
		WithArgs(int64(3), now, int64(10), int64(9)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	// A re-observation without counters keeps the day's enriched values.
	mock.ExpectExec(`(?s)INSERT INTO silver\.listing_daily.*COALESCE\(EXCLUDED\.views, silver\.listing_daily\.views\)`).
		WithArgs(int64(3), now, pgxmock.AnyArg(), true, pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.WithinEntity(context.Background(), 3, func(ctx context.Context, tx warehouse.SilverTx) error {
		_, found, err := tx.LoadCurrent(ctx, 3)
		require.NoError(t, err)
		require.False(t, found)
		inserted, err := tx.InsertPriceEvent(ctx, warehouse.PriceEvent{EntityID: 3, EventTS: now, OldPrice: 10, NewPrice: 9})
		require.NoError(t, err)
		require.False(t, inserted)
		var price *int64
		var views, photos *int
		return tx.UpsertDailySnapshot(ctx, warehouse.DailySnapshot{
			EntityID: 3, Day: now, Price: price, IsActive: true, Views: views, PhotoCount: photos, ObservedAt: now,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSilverStoreWithinEntityRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSilverStore(mock)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(int64(3)).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := store.WithinEntity(context.Background(), 3, func(context.Context, warehouse.SilverTx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSilverStoreListMissingViewsAndUpdate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSilverStore(mock)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("views IS NULL").
		WithArgs(day, 100).
		WillReturnRows(pgxmock.NewRows([]string{"listing_id"}).AddRow(int64(4)).AddRow(int64(8)))
	ids, err := store.ListMissingViews(context.Background(), day, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 8}, ids)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE silver.listing_daily SET views").
		WithArgs(int64(4), day, 12).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE silver.listing_current SET views").
		WithArgs(int64(4), 12).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	updated, err := store.UpdateViews(context.Background(), 4, day, 12)
	require.NoError(t, err)
	require.True(t, updated)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE silver.listing_daily SET views").
		WithArgs(int64(5), day, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()
	updated, err = store.UpdateViews(context.Background(), 5, day, 1)
	require.NoError(t, err)
	require.False(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSilverStoreGetCurrentNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSilverStore(mock)
	mock.ExpectQuery("FROM silver.listing_current WHERE listing_id").
		WithArgs(int64(1)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetCurrent(context.Background(), 1)
	require.ErrorIs(t, err, warehouse.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSilverStoreListPriceEvents(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSilverStore(mock)
	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM silver.price_event").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"listing_id", "event_ts", "old_price", "new_price"}).
			AddRow(int64(2), ts, int64(5_000_000), int64(4_800_000)))

	events, err := store.ListPriceEvents(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []warehouse.PriceEvent{{EntityID: 2, EventTS: ts, OldPrice: 5_000_000, NewPrice: 4_800_000}}, events)
	require.NoError(t, mock.ExpectationsWereMet())
}
