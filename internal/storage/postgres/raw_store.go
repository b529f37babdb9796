package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// RawStore persists bronze metadata rows in bronze.raw_snapshot.
type RawStore struct {
	db DB
}

// NewRawStore constructs a RawStore.
func NewRawStore(db DB) *RawStore {
	return &RawStore{db: db}
}

// InsertRawSnapshot appends one immutable metadata row.
func (s *RawStore) InsertRawSnapshot(ctx context.Context, snapshot warehouse.RawSnapshot) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO bronze.raw_snapshot (listing_id, fetched_at, location, object_key, sha256, http_status, size_bytes)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snapshot.EntityID,
		snapshot.FetchedAt,
		snapshot.Location,
		snapshot.ObjectKey,
		snapshot.SHA256,
		snapshot.HTTPStatus,
		snapshot.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("insert raw snapshot %d: %w", snapshot.EntityID, mapErr(err))
	}
	return nil
}

// LatestRawSnapshot returns the newest metadata row of a listing.
func (s *RawStore) LatestRawSnapshot(ctx context.Context, entityID int64) (warehouse.RawSnapshot, error) {
	var snap warehouse.RawSnapshot
	err := s.db.QueryRow(ctx, `
SELECT listing_id, fetched_at, location, object_key, sha256, http_status, size_bytes
FROM bronze.raw_snapshot
WHERE listing_id = $1
ORDER BY fetched_at DESC
LIMIT 1`, entityID).Scan(
		&snap.EntityID,
		&snap.FetchedAt,
		&snap.Location,
		&snap.ObjectKey,
		&snap.SHA256,
		&snap.HTTPStatus,
		&snap.SizeBytes,
	)
	if err != nil {
		return warehouse.RawSnapshot{}, mapErr(err)
	}
	return snap, nil
}
