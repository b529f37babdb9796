package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// QualityStore computes data-quality counts across all layers.
type QualityStore struct {
	db DB
}

// NewQualityStore constructs a QualityStore.
func NewQualityStore(db DB) *QualityStore {
	return &QualityStore{db: db}
}

// QualityCounts implements warehouse.QualityStore.
func (s *QualityStore) QualityCounts(ctx context.Context, day, start, end time.Time) (warehouse.QualityCounts, error) {
	var (
		c                                                  warehouse.QualityCounts
		raw, snaps, facts, active, activeNoPrice, noMakeMd int64
	)
	err := s.db.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM bronze.raw_snapshot WHERE fetched_at >= $2 AND fetched_at < $3),
	(SELECT count(*) FROM silver.listing_daily WHERE snapshot_date = $1),
	(SELECT count(*) FROM gold.fact_listing_daily WHERE date_key = $4),
	(SELECT count(*) FROM silver.listing_current WHERE is_active),
	(SELECT count(*) FROM silver.listing_current WHERE is_active AND price IS NULL),
	(SELECT count(*) FROM silver.listing_current WHERE make IS NULL OR model IS NULL)`,
		day, start, end, warehouse.DateKeyOf(day),
	).Scan(&raw, &snaps, &facts, &active, &activeNoPrice, &noMakeMd)
	if err != nil {
		return c, fmt.Errorf("quality counts: %w", err)
	}
	c.RawFetches = int(raw)
	c.DailySnapshots = int(snaps)
	c.DailyFacts = int(facts)
	c.ActiveListings = int(active)
	c.ActiveWithoutPrice = int(activeNoPrice)
	c.MissingMakeModel = int(noMakeMd)
	return c, nil
}
