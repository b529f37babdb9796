package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

const currentColumns = `listing_id, url, title, price, city, region, make, model, generation, trim_level,
	car_year, mileage_km, body_type, engine_volume_l, engine_type, transmission, drivetrain, steering,
	color, customs_cleared, seller_name, seller_type, seller_user_id, options_text, photos, views,
	photo_count, first_seen_at, last_seen_at, is_active, payload_hash`

const dailyColumns = `listing_id, snapshot_date, price, is_active, views, photo_count, observed_at`

// SilverStore persists silver tables. WithinEntity serializes writers of one listing with a
// transaction-scoped advisory lock, which also covers listings that have no row yet.
type SilverStore struct {
	db DB
}

// NewSilverStore constructs a SilverStore.
func NewSilverStore(db DB) *SilverStore {
	return &SilverStore{db: db}
}

// WithinEntity runs fn inside one transaction holding the listing's lock.
func (s *SilverStore) WithinEntity(
	ctx context.Context,
	entityID int64,
	fn func(ctx context.Context, tx warehouse.SilverTx) error,
) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, entityID); err != nil {
			return fmt.Errorf("lock listing %d: %w", entityID, err)
		}
		return fn(ctx, &silverTx{tx: tx})
	})
}

type silverTx struct {
	tx pgx.Tx
}

func (t *silverTx) LoadCurrent(ctx context.Context, entityID int64) (warehouse.CurrentState, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+currentColumns+` FROM silver.listing_current WHERE listing_id = $1 FOR UPDATE`, entityID)
	state, err := scanCurrent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return warehouse.CurrentState{}, false, nil
		}
		return warehouse.CurrentState{}, false, err
	}
	return state, true, nil
}

func (t *silverTx) SaveCurrent(ctx context.Context, s warehouse.CurrentState) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO silver.listing_current (`+currentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)
ON CONFLICT (listing_id) DO UPDATE SET
	url = EXCLUDED.url, title = EXCLUDED.title, price = EXCLUDED.price, city = EXCLUDED.city,
	region = EXCLUDED.region, make = EXCLUDED.make, model = EXCLUDED.model,
	generation = EXCLUDED.generation, trim_level = EXCLUDED.trim_level, car_year = EXCLUDED.car_year,
	mileage_km = EXCLUDED.mileage_km, body_type = EXCLUDED.body_type,
	engine_volume_l = EXCLUDED.engine_volume_l, engine_type = EXCLUDED.engine_type,
	transmission = EXCLUDED.transmission, drivetrain = EXCLUDED.drivetrain,
	steering = EXCLUDED.steering, color = EXCLUDED.color, customs_cleared = EXCLUDED.customs_cleared,
	seller_name = EXCLUDED.seller_name, seller_type = EXCLUDED.seller_type,
	seller_user_id = EXCLUDED.seller_user_id, options_text = EXCLUDED.options_text,
	photos = EXCLUDED.photos,
	views = COALESCE(EXCLUDED.views, silver.listing_current.views),
	photo_count = COALESCE(EXCLUDED.photo_count, silver.listing_current.photo_count),
	first_seen_at = EXCLUDED.first_seen_at, last_seen_at = EXCLUDED.last_seen_at,
	is_active = EXCLUDED.is_active, payload_hash = EXCLUDED.payload_hash`,
		currentArgs(s)...,
	)
	if err != nil {
		return fmt.Errorf("upsert current %d: %w", s.EntityID, err)
	}
	return nil
}

func (t *silverTx) InsertPriceEvent(ctx context.Context, e warehouse.PriceEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO silver.price_event (listing_id, event_ts, old_price, new_price)
VALUES ($1, $2, $3, $4)
ON CONFLICT (listing_id, event_ts) DO NOTHING`, e.EntityID, e.EventTS, e.OldPrice, e.NewPrice)
	if err != nil {
		return false, fmt.Errorf("insert price event %d: %w", e.EntityID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *silverTx) UpsertDailySnapshot(ctx context.Context, d warehouse.DailySnapshot) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO silver.listing_daily (`+dailyColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (listing_id, snapshot_date) DO UPDATE SET
	price = EXCLUDED.price, is_active = EXCLUDED.is_active,
	views = COALESCE(EXCLUDED.views, silver.listing_daily.views),
	photo_count = COALESCE(EXCLUDED.photo_count, silver.listing_daily.photo_count),
	observed_at = EXCLUDED.observed_at`,
		d.EntityID, d.Day, d.Price, d.IsActive, d.Views, d.PhotoCount, d.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert daily snapshot %d: %w", d.EntityID, err)
	}
	return nil
}

// GetCurrent returns the current row of a listing.
func (s *SilverStore) GetCurrent(ctx context.Context, entityID int64) (warehouse.CurrentState, error) {
	row := s.db.QueryRow(ctx, `SELECT `+currentColumns+` FROM silver.listing_current WHERE listing_id = $1`, entityID)
	state, err := scanCurrent(row)
	if err != nil {
		return warehouse.CurrentState{}, mapErr(err)
	}
	return state, nil
}

// ListCurrent pages current rows by listing id.
func (s *SilverStore) ListCurrent(ctx context.Context, afterID int64, limit int) ([]warehouse.CurrentState, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+currentColumns+` FROM silver.listing_current
WHERE listing_id > $1
ORDER BY listing_id
LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list current: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (warehouse.CurrentState, error) {
		return scanCurrent(r)
	})
	if err != nil {
		return nil, fmt.Errorf("scan current: %w", err)
	}
	return out, nil
}

// ListDailySnapshots returns a listing's snapshots ordered by day.
func (s *SilverStore) ListDailySnapshots(ctx context.Context, entityID int64) ([]warehouse.DailySnapshot, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+dailyColumns+` FROM silver.listing_daily
WHERE listing_id = $1
ORDER BY snapshot_date`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list daily snapshots: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (warehouse.DailySnapshot, error) {
		var d warehouse.DailySnapshot
		err := r.Scan(&d.EntityID, &d.Day, &d.Price, &d.IsActive, &d.Views, &d.PhotoCount, &d.ObservedAt)
		d.Day = warehouse.DayOf(d.Day, time.UTC)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan daily snapshots: %w", err)
	}
	return out, nil
}

// ListPriceEvents returns a listing's price events ordered by time.
func (s *SilverStore) ListPriceEvents(ctx context.Context, entityID int64) ([]warehouse.PriceEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT listing_id, event_ts, old_price, new_price FROM silver.price_event
WHERE listing_id = $1
ORDER BY event_ts`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list price events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (warehouse.PriceEvent, error) {
		var e warehouse.PriceEvent
		err := r.Scan(&e.EntityID, &e.EventTS, &e.OldPrice, &e.NewPrice)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan price events: %w", err)
	}
	return out, nil
}

// ListMissingViews returns ids whose snapshot for day has no view count.
func (s *SilverStore) ListMissingViews(ctx context.Context, day time.Time, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT listing_id FROM silver.listing_daily
WHERE snapshot_date = $1 AND views IS NULL
ORDER BY listing_id
LIMIT $2`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing views: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan missing views: %w", err)
	}
	return ids, nil
}

// UpdateViews sets the view counter of the day's snapshot and the current row.
func (s *SilverStore) UpdateViews(ctx context.Context, entityID int64, day time.Time, views int) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE silver.listing_daily SET views = $3 WHERE listing_id = $1 AND snapshot_date = $2`, entityID, day, views)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		updated = true
		_, err = tx.Exec(ctx, `UPDATE silver.listing_current SET views = $2 WHERE listing_id = $1`, entityID, views)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update views %d: %w", entityID, err)
	}
	return updated, nil
}

func currentArgs(s warehouse.CurrentState) []any {
	return []any{
		s.EntityID, s.URL, s.Title, s.Price, s.City, s.Region, s.Make, s.Model, s.Generation, s.Trim,
		s.CarYear, s.MileageKM, s.BodyType, s.EngineVolumeL, s.EngineType, s.Transmission, s.Drivetrain,
		s.Steering, s.Color, s.CustomsCleared, s.SellerName, s.SellerType, s.SellerUserID, s.OptionsText,
		s.Photos, s.Views, s.PhotoCount, s.FirstSeenAt, s.LastSeenAt, s.IsActive, s.PayloadHash,
	}
}

func scanCurrent(row pgx.Row) (warehouse.CurrentState, error) {
	var s warehouse.CurrentState
	err := row.Scan(
		&s.EntityID, &s.URL, &s.Title, &s.Price, &s.City, &s.Region, &s.Make, &s.Model, &s.Generation,
		&s.Trim, &s.CarYear, &s.MileageKM, &s.BodyType, &s.EngineVolumeL, &s.EngineType, &s.Transmission,
		&s.Drivetrain, &s.Steering, &s.Color, &s.CustomsCleared, &s.SellerName, &s.SellerType,
		&s.SellerUserID, &s.OptionsText, &s.Photos, &s.Views, &s.PhotoCount, &s.FirstSeenAt,
		&s.LastSeenAt, &s.IsActive, &s.PayloadHash,
	)
	if err != nil {
		return warehouse.CurrentState{}, err
	}
	if len(s.Photos) == 0 {
		s.Photos = nil
	}
	return s, nil
}
