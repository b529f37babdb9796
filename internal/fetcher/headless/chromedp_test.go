package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{NavigationTimeout: 30 * time.Second})
	require.NoError(t, err)
	defer fetcher.Close()

	require.Equal(t, "h1", fetcher.cfg.WaitSelector)
	require.Equal(t, 10*time.Second, fetcher.cfg.SelectorTimeout)
	require.Equal(t, defaultBlockedURLs, fetcher.cfg.BlockedURLs)
	require.True(t, fetcher.slots.TryAcquire(1))
	require.False(t, fetcher.slots.TryAcquire(1), "zero parallelism means one slot")
	fetcher.slots.Release(1)
}

func TestFetchHonorsCanceledSlotWait(t *testing.T) {
	t.Parallel()

	fetcher, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer fetcher.Close()
	require.True(t, fetcher.slots.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fetcher.Fetch(ctx, warehouseRequest("https://kolesa.kz/a/show/1"))
	require.ErrorContains(t, err, "headless slot wait canceled")
}

func TestDocumentResponseKeepsLastDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	status, headers, url := doc.result()
	require.Zero(t, status)
	require.NotNil(t, headers)
	require.Empty(t, url)

	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 200, URL: "https://kolesa.kz/photo.jpg"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  301,
			URL:     "https://kolesa.kz/a/show/1",
			Headers: network.Headers{"Location": "/a/show/2"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://kolesa.kz/a/show/2",
			Headers: network.Headers{"Set-Cookie": "a=1\nb=2"},
		},
	})
	status, headers, url = doc.result()
	require.Equal(t, 403, status)
	require.Equal(t, "https://kolesa.kz/a/show/2", url)
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestExtraHeadersSkipsBrowserOwnedHeaders(t *testing.T) {
	t.Parallel()

	got := extraHeaders(http.Header{
		"User-Agent":      {"custom"},
		"Accept-Encoding": {"gzip"},
		"Referer":         {"https://kolesa.kz/cars/"},
		"X-Multi":         {"a", "b"},
	})
	require.Equal(t, network.Headers{"Referer": "https://kolesa.kz/cars/", "X-Multi": "a, b"}, got)
	require.Equal(t, "b", firstNonEmpty("", "b", "c"))
	require.Empty(t, firstNonEmpty())
}

func warehouseRequest(url string) warehouse.FetchRequest {
	return warehouse.FetchRequest{URL: url}
}
