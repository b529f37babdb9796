package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// QualityStore aggregates counts across the in-memory layers.
type QualityStore struct {
	Raw    *RawStore
	Silver *SilverStore
	Gold   *GoldStore
}

// QualityCounts implements warehouse.QualityStore.
func (q QualityStore) QualityCounts(_ context.Context, day, start, end time.Time) (warehouse.QualityCounts, error) {
	if q.Raw == nil || q.Silver == nil || q.Gold == nil {
		return warehouse.QualityCounts{}, fmt.Errorf("quality store requires raw, silver and gold stores")
	}
	var out warehouse.QualityCounts
	out.RawFetches = q.Raw.countBetween(start.UnixNano(), end.UnixNano())
	out.DailySnapshots, out.ActiveListings, out.ActiveWithoutPrice, out.MissingMakeModel = q.Silver.qualityCounts(day)
	out.DailyFacts = q.Gold.factsOn(day)
	return out, nil
}
