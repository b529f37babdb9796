package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS ctl").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock))

	mock.ExpectExec("CREATE SCHEMA").WillReturnError(errors.New("permission denied"))
	require.ErrorContains(t, EnsureSchema(context.Background(), mock), "apply schema")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapErr(t *testing.T) {
	t.Parallel()

	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	require.True(t, IsUniqueViolation(unique))
	require.False(t, IsUniqueViolation(errors.New("other")))
	require.ErrorIs(t, mapErr(unique), warehouse.ErrConflict)
	require.ErrorIs(t, mapErr(pgx.ErrNoRows), warehouse.ErrNotFound)
	require.NoError(t, mapErr(nil))
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestRawStore(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewRawStore(mock)
	ts := time.Unix(1700000000, 0).UTC()
	snap := warehouse.RawSnapshot{
		EntityID: 1, FetchedAt: ts, Location: "file:///tmp/x", ObjectKey: "raw/kolesa/x", SHA256: "abc",
		HTTPStatus: 200, SizeBytes: 10,
	}

	mock.ExpectExec("INSERT INTO bronze.raw_snapshot").
		WithArgs(int64(1), ts, "file:///tmp/x", "raw/kolesa/x", "abc", 200, 10).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.InsertRawSnapshot(context.Background(), snap))

	mock.ExpectExec("INSERT INTO bronze.raw_snapshot").WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, store.InsertRawSnapshot(context.Background(), snap), warehouse.ErrConflict)

	mock.ExpectQuery("ORDER BY fetched_at DESC").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{
			"listing_id", "fetched_at", "location", "object_key", "sha256", "http_status", "size_bytes",
		}).AddRow(int64(1), ts, "file:///tmp/x", "raw/kolesa/x", "abc", 200, 10))
	got, err := store.LatestRawSnapshot(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, snap, got)

	mock.ExpectQuery("ORDER BY fetched_at DESC").WithArgs(int64(2)).WillReturnError(pgx.ErrNoRows)
	_, err = store.LatestRawSnapshot(context.Background(), 2)
	require.ErrorIs(t, err, warehouse.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQualityStoreCounts(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewQualityStore(mock)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	start := day.Add(-5 * time.Hour)
	end := start.Add(24 * time.Hour)

	mock.ExpectQuery("FROM bronze.raw_snapshot").
		WithArgs(day, start, end, 20250310).
		WillReturnRows(pgxmock.NewRows([]string{"raw", "snaps", "facts", "active", "no_price", "no_make"}).
			AddRow(int64(10), int64(8), int64(8), int64(7), int64(1), int64(2)))

	counts, err := store.QualityCounts(context.Background(), day, start, end)
	require.NoError(t, err)
	require.Equal(t, warehouse.QualityCounts{
		RawFetches: 10, DailySnapshots: 8, DailyFacts: 8, ActiveListings: 7, ActiveWithoutPrice: 1, MissingMakeModel: 2,
	}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}
