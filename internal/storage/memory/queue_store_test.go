package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func seedQueue(t *testing.T, store *QueueStore, base time.Time, ids ...int64) {
	t.Helper()
	items := make([]warehouse.QueueItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, warehouse.QueueItem{
			EntityID:     id,
			URL:          "https://kolesa.kz/a/show/1",
			DiscoveredAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	_, err := store.InsertNew(context.Background(), items)
	require.NoError(t, err)
}

func TestQueueStoreInsertNewIgnoresKnownIDs(t *testing.T) {
	t.Parallel()

	store := NewQueueStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedQueue(t, store, now, 1, 2)

	added, err := store.InsertNew(context.Background(), []warehouse.QueueItem{{EntityID: 2}, {EntityID: 3}})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	counts, err := store.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts[warehouse.StateNew])
}

func TestQueueStoreClaimIsExclusive(t *testing.T) {
	t.Parallel()

	store := NewQueueStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, 50)
	for i := int64(1); i <= 50; i++ {
		ids = append(ids, i)
	}
	seedQueue(t, store, now, ids...)

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			for {
				items, err := store.Claim(context.Background(), warehouse.ClaimRequest{
					Token: token, Now: now, Lease: time.Minute, Limit: 3,
				})
				if err != nil || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					_, dup := claimed[item.EntityID]
					assert.False(t, dup, "listing %d claimed twice", item.EntityID)
					claimed[item.EntityID] = token
				}
				mu.Unlock()
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	require.Len(t, claimed, 50)
}

func TestQueueStoreLeaseExpiry(t *testing.T) {
	t.Parallel()

	store := NewQueueStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedQueue(t, store, now, 10)

	first, err := store.Claim(context.Background(), warehouse.ClaimRequest{Token: "a", Now: now, Lease: time.Minute, Limit: 5})
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := store.Claim(context.Background(), warehouse.ClaimRequest{Token: "b", Now: now.Add(30 * time.Second), Lease: time.Minute, Limit: 5})
	require.NoError(t, err)
	require.Empty(t, again)

	reclaimed, err := store.Claim(context.Background(), warehouse.ClaimRequest{Token: "c", Now: now.Add(2 * time.Minute), Lease: time.Minute, Limit: 5})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	// The first worker lost its lease.
	next := first[0]
	next.State = warehouse.StateFetched
	require.ErrorIs(t, store.Apply(context.Background(), "a", warehouse.StateNew, next), warehouse.ErrClaimLost)
	require.NoError(t, store.Apply(context.Background(), "c", warehouse.StateNew, next))

	got, err := store.Get(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateFetched, got.State)
	require.Empty(t, got.ClaimedBy)
	require.Nil(t, got.ClaimedUntil)
}

func TestQueueStoreClaimOrdersByDiscovery(t *testing.T) {
	t.Parallel()

	store := NewQueueStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedQueue(t, store, now, 30, 10, 20)

	items, err := store.Claim(context.Background(), warehouse.ClaimRequest{Token: "t", Now: now.Add(time.Hour), Lease: time.Minute, Limit: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(30), items[0].EntityID)
	require.Equal(t, int64(10), items[1].EntityID)

	_, err = store.Claim(context.Background(), warehouse.ClaimRequest{Now: now})
	require.Error(t, err)
}

func TestQueueStoreReset(t *testing.T) {
	t.Parallel()

	store := NewQueueStore()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedQueue(t, store, now, 5)

	_, err := store.Reset(context.Background(), 5)
	require.ErrorIs(t, err, warehouse.ErrInvalidTransition)
	_, err = store.Reset(context.Background(), 404)
	require.ErrorIs(t, err, warehouse.ErrNotFound)

	items, err := store.Claim(context.Background(), warehouse.ClaimRequest{Token: "t", Now: now, Lease: time.Minute, Limit: 1})
	require.NoError(t, err)
	failed := items[0]
	failed.State = warehouse.StateFailed
	failed.Attempts = 3
	failed.LastError = warehouse.Ptr("timeout")
	require.NoError(t, store.Apply(context.Background(), "t", warehouse.StateNew, failed))

	reset, err := store.Reset(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateNew, reset.State)
	require.Zero(t, reset.Attempts)
	require.Nil(t, reset.LastError)
}
