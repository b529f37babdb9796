package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

type fakeStore struct {
	counts          warehouse.QualityCounts
	err             error
	day, start, end time.Time
}

func (f *fakeStore) QualityCounts(_ context.Context, day, start, end time.Time) (warehouse.QualityCounts, error) {
	f.day, f.start, f.end = day, start, end
	return f.counts, f.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestRunAllPassing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{counts: warehouse.QualityCounts{
		RawFetches: 10, DailySnapshots: 8, DailyFacts: 8, ActiveListings: 10, ActiveWithoutPrice: 2,
	}}
	almaty := time.FixedZone("ALMT", 5*3600)
	now := time.Date(2025, 3, 9, 20, 30, 0, 0, time.UTC)
	c, err := NewChecker(store, fixedClock{now}, almaty, DefaultConfig(), nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Zero(t, report.Warnings)
	require.Len(t, report.Results, 5)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), store.day)
	require.Equal(t, time.Date(2025, 3, 9, 19, 0, 0, 0, time.UTC), store.start)
	require.Equal(t, 24*time.Hour, store.end.Sub(store.start))
}

func TestRunReportsFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{counts: warehouse.QualityCounts{
		ActiveListings: 4, ActiveWithoutPrice: 3, MissingMakeModel: 2,
	}}
	cfg := Config{MinRawFetches: 1, MinDailySnapshots: 1, MaxPriceNullRatio: 0.5}
	c, err := NewChecker(store, fixedClock{time.Now()}, nil, cfg, nil)
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Warnings)
	require.Equal(t, 2, report.Errors)
	require.ErrorIs(t, report.Err(), ErrChecksFailed)
	require.ErrorContains(t, report.Err(), "price_null_ratio=0.75")
	require.ErrorContains(t, report.Err(), "missing_make_model=2")

	cfg.CountsAreErrors = true
	cfg.MaxMissingMakeModel = 5
	cfg.MaxPriceNullRatio = 1
	c, err = NewChecker(store, fixedClock{time.Now()}, nil, cfg, nil)
	require.NoError(t, err)
	report, err = c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Errors)
	require.Zero(t, report.Warnings)
}

func TestRunStoreError(t *testing.T) {
	t.Parallel()

	c, err := NewChecker(&fakeStore{err: errors.New("boom")}, fixedClock{time.Now()}, nil, DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.ErrorContains(t, err, "boom")

	_, err = NewChecker(nil, fixedClock{}, nil, DefaultConfig(), nil)
	require.Error(t, err)
}
