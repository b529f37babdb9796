package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

type dimensionTable struct {
	table string
	key   string
}

var dimensionTables = map[warehouse.DimensionKind]dimensionTable{
	warehouse.DimLocation: {table: "gold.dim_location", key: "location_key"},
	warehouse.DimVehicle:  {table: "gold.dim_vehicle", key: "vehicle_key"},
	warehouse.DimSeller:   {table: "gold.dim_seller", key: "seller_key"},
}

// GoldStore persists the star schema in the gold schema.
type GoldStore struct {
	db DB
}

// NewGoldStore constructs a GoldStore.
func NewGoldStore(db DB) *GoldStore {
	return &GoldStore{db: db}
}

// EnsureDates inserts missing calendar rows in one statement.
func (s *GoldStore) EnsureDates(ctx context.Context, dates []warehouse.DateDim) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	var (
		keys     = make([]int32, len(dates))
		days     = make([]time.Time, len(dates))
		years    = make([]int32, len(dates))
		quarters = make([]int32, len(dates))
		months   = make([]int32, len(dates))
		doms     = make([]int32, len(dates))
		dows     = make([]int32, len(dates))
	)
	for i, d := range dates {
		keys[i] = int32(d.DateKey)
		days[i] = d.Date
		years[i] = int32(d.Year)
		quarters[i] = int32(d.Quarter)
		months[i] = int32(d.Month)
		doms[i] = int32(d.Day)
		dows[i] = int32(d.DayOfWeek)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO gold.dim_date (date_key, date, year, quarter, month, day, day_of_week)
SELECT * FROM unnest($1::int[], $2::date[], $3::int[], $4::int[], $5::int[], $6::int[], $7::int[])
ON CONFLICT (date_key) DO NOTHING`, keys, days, years, quarters, months, doms, dows)
	if err != nil {
		return 0, fmt.Errorf("insert dates: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FindDimension looks up a surrogate key by natural key.
func (s *GoldStore) FindDimension(ctx context.Context, kind warehouse.DimensionKind, naturalKey string) (int64, bool, error) {
	t, ok := dimensionTables[kind]
	if !ok {
		return 0, false, fmt.Errorf("unknown dimension %q", kind)
	}
	var key int64
	err := s.db.QueryRow(ctx, `SELECT `+t.key+` FROM `+t.table+` WHERE natural_key = $1`, naturalKey).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find %s: %w", kind, err)
	}
	return key, true, nil
}

// InsertDimension inserts a row with ON CONFLICT DO NOTHING; inserted is false when the natural key
// already existed.
func (s *GoldStore) InsertDimension(
	ctx context.Context,
	naturalKey string,
	row warehouse.DimensionRow,
) (int64, bool, error) {
	var (
		query string
		args  []any
	)
	switch r := row.(type) {
	case warehouse.LocationDim:
		query = `
INSERT INTO gold.dim_location (natural_key, region, city)
VALUES ($1, $2, $3)
ON CONFLICT (natural_key) DO NOTHING
RETURNING location_key`
		args = []any{naturalKey, r.Region, r.City}
	case warehouse.VehicleDim:
		query = `
INSERT INTO gold.dim_vehicle (natural_key, make, model, generation, trim_level, car_year, body_type,
	engine_type, engine_volume_l, transmission, drivetrain, steering, color)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (natural_key) DO NOTHING
RETURNING vehicle_key`
		args = []any{
			naturalKey, r.Make, r.Model, r.Generation, r.Trim, r.CarYear, r.BodyType, r.EngineType,
			r.EngineVolumeL, r.Transmission, r.Drivetrain, r.Steering, r.Color,
		}
	case warehouse.SellerDim:
		query = `
INSERT INTO gold.dim_seller (natural_key, seller_type, seller_name, seller_user_id, city)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (natural_key) DO NOTHING
RETURNING seller_key`
		args = []any{naturalKey, r.SellerType, r.SellerName, r.SellerUserID, r.City}
	default:
		return 0, false, fmt.Errorf("unsupported dimension row %T", row)
	}

	var key int64
	err := s.db.QueryRow(ctx, query, args...).Scan(&key)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("insert %s: %w", row.Kind(), mapErr(err))
	}
	return key, true, nil
}

// UpsertFactDaily writes the fact. On conflict only measures change, and only when they differ, so
// the reported change is false for identical re-runs.
func (s *GoldStore) UpsertFactDaily(ctx context.Context, f warehouse.FactDaily) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO gold.fact_listing_daily (date_key, listing_id, location_key, vehicle_key, seller_key,
	price, is_active, days_on_site, views, photo_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (date_key, listing_id) DO UPDATE SET
	price = EXCLUDED.price, is_active = EXCLUDED.is_active, days_on_site = EXCLUDED.days_on_site,
	views = EXCLUDED.views, photo_count = EXCLUDED.photo_count
WHERE (gold.fact_listing_daily.price, gold.fact_listing_daily.is_active,
       gold.fact_listing_daily.days_on_site, gold.fact_listing_daily.views,
       gold.fact_listing_daily.photo_count)
      IS DISTINCT FROM
      (EXCLUDED.price, EXCLUDED.is_active, EXCLUDED.days_on_site, EXCLUDED.views, EXCLUDED.photo_count)`,
		f.DateKey, f.EntityID, f.LocationKey, f.VehicleKey, f.SellerKey,
		f.Price, f.IsActive, f.DaysOnSite, f.Views, f.PhotoCount,
	)
	if err != nil {
		return false, fmt.Errorf("upsert fact %d/%d: %w", f.DateKey, f.EntityID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertFactPriceEvent appends a price event fact unless it exists.
func (s *GoldStore) InsertFactPriceEvent(ctx context.Context, e warehouse.FactPriceEvent) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO gold.fact_price_event (listing_id, event_ts, date_key, old_price, new_price)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (listing_id, event_ts) DO NOTHING`, e.EntityID, e.EventTS, e.DateKey, e.OldPrice, e.NewPrice)
	if err != nil {
		return false, fmt.Errorf("insert price event fact %d: %w", e.EntityID, err)
	}
	return tag.RowsAffected() == 1, nil
}
