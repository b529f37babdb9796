package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/2025/01/02/1_000000.html.gz", "application/gzip", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/2025/01/02/1_000000.html.gz", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)

	_, err = store.GetObject(context.Background(), "memory://missing")
	require.ErrorIs(t, err, warehouse.ErrNotFound)
}
