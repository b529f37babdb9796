package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-warehouse/internal/bronze"
	"github.com/JakeFAU/listing-warehouse/internal/fetcher/detector"
	"github.com/JakeFAU/listing-warehouse/internal/hash/sha256"
	"github.com/JakeFAU/listing-warehouse/internal/id/uuid"
	"github.com/JakeFAU/listing-warehouse/internal/parser/listing"
	"github.com/JakeFAU/listing-warehouse/internal/publisher/memory"
	"github.com/JakeFAU/listing-warehouse/internal/queue"
	"github.com/JakeFAU/listing-warehouse/internal/silver"
	memstore "github.com/JakeFAU/listing-warehouse/internal/storage/memory"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

const camryPage = `<html><body>
<h1>Toyota Camry 2020 г.</h1>
<div class="offer__price">12 500 000 ₸</div>
<dl><dt>Город</dt><dd>Алматы</dd><dt>Пробег</dt><dd>45 000 км</dd></dl>
<p>` + filler + `</p>
</body></html>`

const filler = "Продается автомобиль в отличном состоянии, один владелец, обслуживание у официального дилера. " +
	"Продается автомобиль в отличном состоянии, один владелец, обслуживание у официального дилера."

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedFetcher struct {
	mu     sync.Mutex
	script map[string][]warehouse.FetchResponse
	errs   map[string]error
	calls  int
}

func (f *scriptedFetcher) Fetch(_ context.Context, req warehouse.FetchRequest) (warehouse.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[req.URL]; err != nil {
		return warehouse.FetchResponse{}, err
	}
	pending := f.script[req.URL]
	if len(pending) == 0 {
		return warehouse.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	resp := pending[0]
	if len(pending) > 1 {
		f.script[req.URL] = pending[1:]
	}
	resp.URL = req.URL
	return resp, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLimiter struct {
	mu        sync.Mutex
	cooldowns map[string]time.Duration
}

func (l *fakeLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }

func (l *fakeLimiter) Cooldown(url string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cooldowns == nil {
		l.cooldowns = map[string]time.Duration{}
	}
	l.cooldowns[url] = d
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingBlobs) GetObject(context.Context, string) ([]byte, error) {
	return nil, warehouse.ErrNotFound
}

type harness struct {
	clock     *fakeClock
	queue     *queue.Manager
	queueRows *memstore.QueueStore
	raw       *memstore.RawStore
	silver    *memstore.SilverStore
	published *memory.Publisher
	archive   *bronze.Store
	norm      *silver.Normalizer
	fetcher   *scriptedFetcher
	limiter   *fakeLimiter
	deps      Deps
}

func newHarness(t *testing.T, blobs warehouse.BlobStore) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{now: time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)},
		queueRows: memstore.NewQueueStore(),
		raw:       memstore.NewRawStore(),
		silver:    memstore.NewSilverStore(),
		published: memory.New(),
		fetcher:   &scriptedFetcher{script: map[string][]warehouse.FetchResponse{}, errs: map[string]error{}},
		limiter:   &fakeLimiter{},
	}
	if blobs == nil {
		blobs = memstore.NewBlobStore()
	}
	var err error
	h.queue, err = queue.NewManager(h.queueRows, h.clock, uuid.New(), queue.Config{
		BaseURL:           "https://kolesa.kz",
		MaxAttempts:       3,
		ParseFailureLimit: 2,
		BackoffBase:       time.Minute,
		BackoffMax:        time.Hour,
		RevisitAfter:      time.Hour,
	}, nil)
	require.NoError(t, err)
	h.archive, err = bronze.New(blobs, h.raw, sha256.New(), h.published, bronze.Config{Topic: "raw-archived"}, nil)
	require.NoError(t, err)
	h.norm, err = silver.NewNormalizer(h.silver, sha256.New(), time.UTC, nil)
	require.NoError(t, err)
	h.deps = Deps{
		Queue:      h.queue,
		Raw:        h.archive,
		Parser:     listing.New("https://kolesa.kz"),
		Normalizer: h.norm,
		Fetcher:    h.fetcher,
		Detector:   detector.New(detector.Config{}),
		Limiter:    h.limiter,
		Clock:      h.clock,
	}
	return h
}

func (h *harness) drain(t *testing.T, deps Deps) Summary {
	t.Helper()
	w, err := NewWorker(deps, Config{Concurrency: 2, BatchSize: 5, PollInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	summary, err := NewPool(w, nil).Drain(context.Background())
	require.NoError(t, err)
	return summary
}

func (h *harness) script(id int64, responses ...warehouse.FetchResponse) {
	h.fetcher.script[h.queue.URLFor(id)] = responses
}

func page(body string) warehouse.FetchResponse {
	return warehouse.FetchResponse{StatusCode: http.StatusOK, Body: []byte(body)}
}

func TestDrainFetchesArchivesAndNormalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.script(101, page(camryPage))
	_, err := h.queue.Discover(ctx, []int64{101, 102})
	require.NoError(t, err)

	summary := h.drain(t, h.deps)
	require.Equal(t, 2, summary.Claimed)
	require.Equal(t, 1, summary.Results[ResultFetched])
	require.Equal(t, 1, summary.Results[ResultInactive])

	item, err := h.queue.Get(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateFetched, item.State)
	require.Equal(t, http.StatusOK, *item.LastHTTPStatus)

	cur, err := h.silver.GetCurrent(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, int64(12_500_000), *cur.Price)
	require.Equal(t, "Toyota", *cur.Make)
	require.Len(t, h.raw.Snapshots(101), 1)
	require.Len(t, h.published.Payloads("raw-archived"), 1)

	gone, err := h.queue.Get(ctx, 102)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateInactive, gone.State)
	_, err = h.silver.GetCurrent(ctx, 102)
	require.ErrorIs(t, err, warehouse.ErrNotFound)
}

func TestRevisitRemovalMarksInactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	removed := `<html><body><h1>Toyota Camry</h1><p>Объявление удалено</p><p>` + filler + `</p></body></html>`
	h.script(7, page(camryPage), page(removed))
	_, err := h.queue.Discover(ctx, []int64{7})
	require.NoError(t, err)

	h.drain(t, h.deps)
	h.clock.Advance(2 * time.Hour)
	summary := h.drain(t, h.deps)
	require.Equal(t, 1, summary.Results[ResultInactive])

	item, err := h.queue.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateInactive, item.State)

	cur, err := h.silver.GetCurrent(ctx, 7)
	require.NoError(t, err)
	require.False(t, cur.IsActive)
	require.Equal(t, int64(12_500_000), *cur.Price)
	require.Len(t, h.raw.Snapshots(7), 2)
}

func TestBlockedPageRetriesAndCoolsDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.script(5, page(`<html><title>Captcha</title><body>Please complete the security check</body></html>`))
	_, err := h.queue.Discover(ctx, []int64{5})
	require.NoError(t, err)

	summary := h.drain(t, h.deps)
	require.Equal(t, 1, summary.Results[ResultBlocked])

	item, err := h.queue.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateRetry, item.State)
	require.Equal(t, 1, item.Attempts)
	require.Contains(t, *item.LastError, "blocked")
	require.Equal(t, 5*time.Minute, h.limiter.cooldowns[h.queue.URLFor(5)])
	require.Empty(t, h.raw.Snapshots(5))
}

func TestStorageFailureLeavesLeaseInPlace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, failingBlobs{})
	ctx := context.Background()
	h.script(9, page(camryPage))
	_, err := h.queue.Discover(ctx, []int64{9})
	require.NoError(t, err)

	summary := h.drain(t, h.deps)
	require.Equal(t, 1, summary.Results[ResultDeferred])

	item, err := h.queue.Get(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateNew, item.State)
	require.Zero(t, item.Attempts)
	require.NotNil(t, item.ClaimedUntil)
}

func TestParseFailuresExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	noTitle := `<html><body><p>` + filler + `</p></body></html>`
	h.script(3, page(noTitle))
	_, err := h.queue.Discover(ctx, []int64{3})
	require.NoError(t, err)

	h.drain(t, h.deps)
	item, err := h.queue.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateRetry, item.State)
	require.Equal(t, 1, item.ParseFailures)

	h.clock.Advance(2 * time.Hour)
	summary := h.drain(t, h.deps)
	require.Equal(t, 1, summary.Results[ResultFailed])
	item, err = h.queue.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateFailed, item.State)
}

func TestTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.fetcher.errs[h.queue.URLFor(4)] = errors.New("connection reset")
	h.script(8, warehouse.FetchResponse{StatusCode: http.StatusServiceUnavailable})
	_, err := h.queue.Discover(ctx, []int64{4, 8})
	require.NoError(t, err)

	summary := h.drain(t, h.deps)
	require.Equal(t, 2, summary.Results[ResultRetry])

	item, err := h.queue.Get(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, warehouse.StateRetry, item.State)
	require.Equal(t, http.StatusServiceUnavailable, *item.LastHTTPStatus)
	require.NotNil(t, item.NextRetryAt)
}

func TestPromotionUsesHeadlessFetcher(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	shell := `<html><body><div id="root"></div><p>` + filler + `</p></body></html>`
	h.script(11, page(shell))
	headless := &scriptedFetcher{script: map[string][]warehouse.FetchResponse{
		h.queue.URLFor(11): {page(camryPage)},
	}}
	deps := h.deps
	deps.Headless = headless
	_, err := h.queue.Discover(ctx, []int64{11})
	require.NoError(t, err)

	summary := h.drain(t, deps)
	require.Equal(t, 1, summary.Results[ResultFetched])
	require.Equal(t, 1, headless.Calls())
	_, err = h.silver.GetCurrent(ctx, 11)
	require.NoError(t, err)
}

func TestPoolRunKeepsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.script(21, page(camryPage))
	h.script(22, page(camryPage))
	w, err := NewWorker(h.deps, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewPool(w, nil).Run(ctx)
	}()

	_, err = h.queue.Discover(context.Background(), []int64{21})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		item, err := h.queue.Get(context.Background(), 21)
		return err == nil && item.State == warehouse.StateFetched
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.queue.Discover(context.Background(), []int64{22})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		item, err := h.queue.Get(context.Background(), 22)
		return err == nil && item.State == warehouse.StateFetched
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestReplayUsesOriginalFetchTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.script(31, page(camryPage))
	_, err := h.queue.Discover(ctx, []int64{31})
	require.NoError(t, err)
	h.drain(t, h.deps)

	replayer, err := NewReplayer(h.archive, h.deps.Parser, h.norm, "https://kolesa.kz/", nil)
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	res, err := replayer.Replay(ctx, 31)
	require.NoError(t, err)
	require.Equal(t, silver.OutcomeUnchanged, res.Outcome)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), res.Day)

	_, err = replayer.Replay(ctx, 404)
	require.ErrorIs(t, err, warehouse.ErrNotFound)
}

func TestExpiredLeaseSkipsItemWithoutFetching(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.script(41, page(camryPage))
	_, err := h.queue.Discover(ctx, []int64{41})
	require.NoError(t, err)

	w, err := NewWorker(h.deps, Config{}, nil)
	require.NoError(t, err)

	stale, err := h.queue.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stale.Items, 1)

	h.clock.Advance(11 * time.Minute)
	fresh, err := h.queue.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fresh.Items, 1)

	require.Equal(t, ResultLost, w.Process(ctx, stale.Token, stale.Items[0]))
	require.Zero(t, h.fetcher.Calls())
	require.Empty(t, h.raw.Snapshots(41))

	require.Equal(t, ResultFetched, w.Process(ctx, fresh.Token, fresh.Items[0]))
	require.Equal(t, 1, h.fetcher.Calls())
	require.Len(t, h.raw.Snapshots(41), 1)
}

func TestBatchOutlivingLeaseSkipsRemainingItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.script(51, page(camryPage))
	h.script(52, page(camryPage))
	_, err := h.queue.Discover(ctx, []int64{51, 52})
	require.NoError(t, err)

	w, err := NewWorker(h.deps, Config{}, nil)
	require.NoError(t, err)
	claim, err := h.queue.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claim.Items, 2)

	h.clock.Advance(9 * time.Minute)
	require.Equal(t, ResultFetched, w.Process(ctx, claim.Token, claim.Items[0]))
	h.clock.Advance(2 * time.Minute)
	require.Equal(t, ResultLost, w.Process(ctx, claim.Token, claim.Items[1]))
	require.Equal(t, 1, h.fetcher.Calls())

	again, err := h.queue.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, again.Items, 1)
	require.Equal(t, int64(52), again.Items[0].EntityID)
}
