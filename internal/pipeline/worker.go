package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/queue"
	"github.com/JakeFAU/listing-warehouse/internal/silver"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// QueueManager is the subset of queue.Manager used by workers.
type QueueManager interface {
	Claim(ctx context.Context, limit int) (queue.Claim, error)
	Record(ctx context.Context, token string, item warehouse.QueueItem, outcome queue.Outcome) (warehouse.QueueItem, error)
	Renew(ctx context.Context, token string, item warehouse.QueueItem) (warehouse.QueueItem, error)
}

// RawArchive stores and reads back raw pages; bronze.Store satisfies it.
type RawArchive interface {
	Put(ctx context.Context, entityID int64, fetchedAt time.Time, body []byte, httpStatus int) (warehouse.RawSnapshot, error)
	Latest(ctx context.Context, entityID int64) (warehouse.RawSnapshot, []byte, error)
}

// Normalizer applies observations to silver; silver.Normalizer satisfies it.
type Normalizer interface {
	Normalize(ctx context.Context, record warehouse.NormalizedRecord, observedAt time.Time) (silver.Result, error)
	MarkInactive(ctx context.Context, entityID int64, observedAt time.Time) (silver.Result, error)
}

// Detector classifies fetched pages.
type Detector interface {
	Blocked(resp warehouse.FetchResponse) (bool, string)
	ShouldPromote(resp warehouse.FetchResponse) bool
}

// Limiter throttles requests per host and pauses hosts that served a blocking page.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	Cooldown(rawURL string, d time.Duration)
}

// Config controls worker behavior.
type Config struct {
	Concurrency     int
	BatchSize       int
	FetchTimeout    time.Duration
	DelayMin        time.Duration
	DelayMax        time.Duration
	BlockedCooldown time.Duration
	PollInterval    time.Duration
	Headers         http.Header
}

// Deps groups the collaborators of a worker.
type Deps struct {
	Queue      QueueManager
	Raw        RawArchive
	Parser     warehouse.Parser
	Normalizer Normalizer
	Fetcher    warehouse.Fetcher
	Headless   warehouse.Fetcher
	Detector   Detector
	Limiter    Limiter
	Clock      warehouse.Clock
}

// Result labels what happened to one claimed item.
type Result string

const (
	// ResultFetched means the listing was archived and normalized.
	ResultFetched Result = "fetched"
	// ResultRetry means a transient or parse failure was recorded.
	ResultRetry Result = "retry"
	// ResultFailed means the item exhausted its retries.
	ResultFailed Result = "failed"
	// ResultInactive means the listing is gone.
	ResultInactive Result = "inactive"
	// ResultBlocked means the site served a challenge page.
	ResultBlocked Result = "blocked"
	// ResultDeferred means storage failed; no outcome was recorded and the lease will expire.
	ResultDeferred Result = "deferred"
	// ResultLost means the lease was gone before the item was fetched or when its outcome
	// was recorded.
	ResultLost Result = "lost"
)

// Worker processes claimed queue items one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	delay func() time.Duration
}

// NewWorker constructs a Worker.
func NewWorker(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Queue == nil || deps.Raw == nil || deps.Parser == nil || deps.Normalizer == nil {
		return nil, fmt.Errorf("queue, raw archive, parser and normalizer are required")
	}
	if deps.Fetcher == nil || deps.Clock == nil {
		return nil, fmt.Errorf("fetcher and clock are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if cfg.BlockedCooldown <= 0 {
		cfg.BlockedCooldown = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{deps: deps, cfg: cfg, logger: logger, sleep: sleepCtx}
	w.delay = func() time.Duration {
		span := w.cfg.DelayMax - w.cfg.DelayMin
		if span <= 0 {
			return w.cfg.DelayMin
		}
		return w.cfg.DelayMin + rand.N(span)
	}
	return w, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Process handles one claimed item end to end.
func (w *Worker) Process(ctx context.Context, token string, item warehouse.QueueItem) Result {
	logger := w.logger.With(zap.Int64("entity_id", item.EntityID))
	if err := w.sleep(ctx, w.delay()); err != nil {
		return ResultDeferred
	}
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, item.URL); err != nil {
			return ResultDeferred
		}
	}
	// Renewed after the politeness waits so the fetch starts with a full lease.
	renewed, err := w.deps.Queue.Renew(ctx, token, item)
	if err != nil {
		if errors.Is(err, warehouse.ErrClaimLost) {
			logger.Warn("lease expired before fetch, skipping item")
			return ResultLost
		}
		logger.Error("lease renewal failed", zap.Error(err))
		return ResultDeferred
	}
	item = renewed

	resp, err := w.fetch(ctx, item.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ResultDeferred
		}
		logger.Warn("listing fetch failed", zap.Error(err))
		return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeTransient, Err: err}, logger)
	}

	if w.deps.Detector != nil {
		if blocked, reason := w.deps.Detector.Blocked(resp); blocked {
			return w.blocked(ctx, token, item, resp, reason, logger)
		}
		resp = w.maybePromote(ctx, item, resp, logger)
		if blocked, reason := w.deps.Detector.Blocked(resp); blocked {
			return w.blocked(ctx, token, item, resp, reason, logger)
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return w.handlePage(ctx, token, item, resp, logger)
	case http.StatusNotFound, http.StatusGone:
		return w.handleGone(ctx, token, item, resp.StatusCode, w.deps.Clock.Now(), nil, logger)
	default:
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeTransient, HTTPStatus: resp.StatusCode, Err: err}, logger)
	}
}

func (w *Worker) fetch(ctx context.Context, url string) (warehouse.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := w.deps.Fetcher.Fetch(fetchCtx, warehouse.FetchRequest{URL: url, Headers: w.cfg.Headers})
	if err != nil {
		metrics.ObserveFetch("error", "static", time.Since(start))
		return warehouse.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	metrics.ObserveFetch(statusClass(resp.StatusCode), "static", resp.Duration)
	return resp, nil
}

func (w *Worker) maybePromote(
	ctx context.Context,
	item warehouse.QueueItem,
	resp warehouse.FetchResponse,
	logger *zap.Logger,
) warehouse.FetchResponse {
	if w.deps.Headless == nil || !w.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	headlessCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	headlessResp, err := w.deps.Headless.Fetch(headlessCtx, warehouse.FetchRequest{URL: item.URL, Headers: w.cfg.Headers})
	if err != nil {
		metrics.ObserveFetch("error", "headless", 0)
		logger.Warn("headless promotion failed", zap.Error(err))
		return resp
	}
	headlessResp.UsedHeadless = true
	metrics.ObserveFetch(statusClass(headlessResp.StatusCode), "headless", headlessResp.Duration)
	logger.Debug("headless promotion applied")
	return headlessResp
}

func (w *Worker) blocked(
	ctx context.Context,
	token string,
	item warehouse.QueueItem,
	resp warehouse.FetchResponse,
	reason string,
	logger *zap.Logger,
) Result {
	if w.deps.Limiter != nil {
		w.deps.Limiter.Cooldown(item.URL, w.cfg.BlockedCooldown)
	}
	logger.Warn("blocking page detected", zap.String("reason", reason), zap.Duration("cooldown", w.cfg.BlockedCooldown))
	outcome := queue.Outcome{
		Kind:       queue.OutcomeTransient,
		HTTPStatus: resp.StatusCode,
		Err:        fmt.Errorf("%w: %s", warehouse.ErrBlocked, reason),
	}
	if res := w.record(ctx, token, item, outcome, logger); res != ResultRetry {
		return res
	}
	return ResultBlocked
}

func (w *Worker) handlePage(
	ctx context.Context,
	token string,
	item warehouse.QueueItem,
	resp warehouse.FetchResponse,
	logger *zap.Logger,
) Result {
	fetchedAt := w.deps.Clock.Now()
	snapshot, err := w.deps.Raw.Put(ctx, item.EntityID, fetchedAt, resp.Body, resp.StatusCode)
	if err != nil {
		logger.Error("raw archive failed", zap.Error(err))
		return ResultDeferred
	}

	record, err := w.deps.Parser.Parse(resp.Body, item.URL, item.EntityID)
	switch {
	case errors.Is(err, warehouse.ErrNotFound):
		return w.handleGone(ctx, token, item, resp.StatusCode, snapshot.FetchedAt, err, logger)
	case err != nil:
		logger.Warn("listing parse failed", zap.String("raw", snapshot.Location), zap.Error(err))
		return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeParseFailure, HTTPStatus: resp.StatusCode, Err: err}, logger)
	}

	res, err := w.deps.Normalizer.Normalize(ctx, record, snapshot.FetchedAt)
	switch {
	case warehouse.IsParseError(err):
		logger.Warn("normalized record rejected", zap.Error(err))
		return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeParseFailure, HTTPStatus: resp.StatusCode, Err: err}, logger)
	case err != nil:
		logger.Error("silver normalize failed", zap.Error(err))
		return ResultDeferred
	}
	logger.Debug("listing normalized", zap.String("outcome", string(res.Outcome)), zap.Bool("headless", resp.UsedHeadless))
	return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeSuccess, HTTPStatus: resp.StatusCode}, logger)
}

func (w *Worker) handleGone(
	ctx context.Context,
	token string,
	item warehouse.QueueItem,
	status int,
	observedAt time.Time,
	cause error,
	logger *zap.Logger,
) Result {
	if _, err := w.deps.Normalizer.MarkInactive(ctx, item.EntityID, observedAt); err != nil {
		logger.Error("silver mark inactive failed", zap.Error(err))
		return ResultDeferred
	}
	if cause == nil {
		cause = warehouse.ErrNotFound
	}
	return w.record(ctx, token, item, queue.Outcome{Kind: queue.OutcomeNotFound, HTTPStatus: status, Err: cause}, logger)
}

func (w *Worker) record(
	ctx context.Context,
	token string,
	item warehouse.QueueItem,
	outcome queue.Outcome,
	logger *zap.Logger,
) Result {
	next, err := w.deps.Queue.Record(ctx, token, item, outcome)
	if err != nil {
		logger.Error("record outcome failed", zap.String("outcome", string(outcome.Kind)), zap.Error(err))
		return ResultLost
	}
	switch next.State {
	case warehouse.StateFetched:
		if outcome.Kind == queue.OutcomeSuccess {
			return ResultFetched
		}
		return ResultRetry
	case warehouse.StateInactive:
		return ResultInactive
	case warehouse.StateFailed:
		return ResultFailed
	default:
		return ResultRetry
	}
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code == http.StatusNotFound || code == http.StatusGone:
		return "gone"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
