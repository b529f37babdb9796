// Package bronze archives every fetched listing page as an immutable, replayable raw snapshot.
package bronze

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// TopicEvent is the event name carried by archive notifications.
const TopicEvent = "raw_snapshot.archived"

// Config controls Store behavior.
type Config struct {
	Prefix string
	Topic  string
}

// Store writes raw bodies to blob storage and records one metadata row per fetch.
type Store struct {
	blobs     warehouse.BlobStore
	repo      warehouse.RawRepository
	hasher    warehouse.Hasher
	publisher warehouse.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Store. publisher may be nil.
func New(
	blobs warehouse.BlobStore,
	repo warehouse.RawRepository,
	hasher warehouse.Hasher,
	publisher warehouse.Publisher,
	cfg Config,
	logger *zap.Logger,
) (*Store, error) {
	if blobs == nil || repo == nil || hasher == nil {
		return nil, fmt.Errorf("blob store, raw repository and hasher are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "raw/kolesa"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:     blobs,
		repo:      repo,
		hasher:    hasher,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// ObjectKey builds the timestamp-addressed blob key of a snapshot.
func ObjectKey(prefix string, entityID int64, fetchedAt time.Time) string {
	ts := fetchedAt.UTC()
	return fmt.Sprintf("%s/%s/%d_%s%06d.html.gz",
		strings.Trim(prefix, "/"),
		ts.Format("2006/01/02"),
		entityID,
		ts.Format("150405"),
		ts.Nanosecond()/1000,
	)
}

// Put archives one fetch attempt. Identical bodies are stored again; dedup happens in silver.
func (s *Store) Put(
	ctx context.Context,
	entityID int64,
	fetchedAt time.Time,
	body []byte,
	httpStatus int,
) (warehouse.RawSnapshot, error) {
	hash, err := s.hasher.Hash(body)
	if err != nil {
		return warehouse.RawSnapshot{}, fmt.Errorf("hash body: %w", err)
	}
	compressed, err := gzipBytes(body)
	if err != nil {
		return warehouse.RawSnapshot{}, fmt.Errorf("compress body: %w", err)
	}

	key := ObjectKey(s.cfg.Prefix, entityID, fetchedAt)
	uri, err := s.blobs.PutObject(ctx, key, "application/gzip", bytes.NewReader(compressed))
	if err != nil {
		return warehouse.RawSnapshot{}, fmt.Errorf("put object: %w", err)
	}

	snapshot := warehouse.RawSnapshot{
		EntityID:   entityID,
		FetchedAt:  fetchedAt.UTC(),
		Location:   uri,
		ObjectKey:  key,
		SHA256:     hash,
		HTTPStatus: httpStatus,
		SizeBytes:  len(body),
	}
	if err := s.repo.InsertRawSnapshot(ctx, snapshot); err != nil {
		return warehouse.RawSnapshot{}, fmt.Errorf("insert raw snapshot: %w", err)
	}
	metrics.ObserveRawBytes(len(body))
	s.publish(ctx, snapshot)
	return snapshot, nil
}

// Load reads a snapshot's body back and verifies its hash.
func (s *Store) Load(ctx context.Context, snapshot warehouse.RawSnapshot) ([]byte, error) {
	compressed, err := s.blobs.GetObject(ctx, snapshot.Location)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", snapshot.Location, err)
	}
	body, err := gunzipBytes(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", snapshot.Location, err)
	}
	hash, err := s.hasher.Hash(body)
	if err != nil {
		return nil, fmt.Errorf("hash body: %w", err)
	}
	if hash != snapshot.SHA256 {
		return nil, fmt.Errorf("raw snapshot %s hash mismatch: stored %s, computed %s", snapshot.Location, snapshot.SHA256, hash)
	}
	return body, nil
}

// Latest returns the newest snapshot of a listing and its body.
func (s *Store) Latest(ctx context.Context, entityID int64) (warehouse.RawSnapshot, []byte, error) {
	snapshot, err := s.repo.LatestRawSnapshot(ctx, entityID)
	if err != nil {
		return warehouse.RawSnapshot{}, nil, fmt.Errorf("latest raw snapshot %d: %w", entityID, err)
	}
	body, err := s.Load(ctx, snapshot)
	if err != nil {
		return warehouse.RawSnapshot{}, nil, err
	}
	return snapshot, body, nil
}

func (s *Store) publish(ctx context.Context, snapshot warehouse.RawSnapshot) {
	if s.cfg.Topic == "" || s.publisher == nil {
		return
	}
	payload := map[string]any{
		"event":       TopicEvent,
		"listing_id":  snapshot.EntityID,
		"fetched_at":  snapshot.FetchedAt.Format(time.RFC3339Nano),
		"location":    snapshot.Location,
		"sha256":      snapshot.SHA256,
		"http_status": snapshot.HTTPStatus,
		"size_bytes":  snapshot.SizeBytes,
	}
	// Notifications are best effort.
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
		s.logger.Warn("archive notification failed",
			zap.Int64("entity_id", snapshot.EntityID),
			zap.String("location", snapshot.Location),
			zap.Error(err),
		)
	}
}

func gzipBytes(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}
