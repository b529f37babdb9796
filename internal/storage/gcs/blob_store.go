// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI. Raw pages are small,
// so the body is buffered and sent in one request with a CRC32C the server verifies.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("buffer object: %w", err)
	}

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ChunkSize = 0
	writer.ContentType = contentType
	// Stored gzip bytes are the archive itself; GCS must not decompress them on read.
	writer.CacheControl = "no-transform"
	writer.CRC32C = crc32.Checksum(data, castagnoli)
	writer.SendCRC32C = true

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", key, err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}

// GetObject downloads an object previously written by PutObject.
func (s *BlobStore) GetObject(ctx context.Context, uri string) ([]byte, error) {
	bucket, path, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if bucket != s.bucket {
		return nil, fmt.Errorf("object %q is outside bucket %q", uri, s.bucket)
	}
	reader, err := s.client.Bucket(bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("object %q: %w", uri, warehouse.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// ParseURI splits gs://bucket/path into its parts.
func ParseURI(uri string) (bucket, path string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("unsupported uri %q", uri)
	}
	bucket, path, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || path == "" {
		return "", "", fmt.Errorf("malformed uri %q", uri)
	}
	return bucket, path, nil
}
