package silver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// ViewsSource returns live view counters for a batch of listings. Ids missing from the result
// have no known count.
type ViewsSource interface {
	Views(ctx context.Context, ids []int64) (map[int64]int, error)
}

// ViewsConfig controls ViewsEnricher.
type ViewsConfig struct {
	ChunkSize int
	Limit     int
}

// ViewsSummary counts one enrichment pass.
type ViewsSummary struct {
	Candidates int `json:"candidates"`
	Updated    int `json:"updated"`
	Missing    int `json:"missing"`
	Failed     int `json:"failed"`
}

// ViewsEnricher fills today's snapshots that were written without a view count.
type ViewsEnricher struct {
	store  warehouse.SilverStore
	source ViewsSource
	clock  warehouse.Clock
	loc    *time.Location
	cfg    ViewsConfig
	logger *zap.Logger
}

// NewViewsEnricher constructs a ViewsEnricher.
func NewViewsEnricher(
	store warehouse.SilverStore,
	source ViewsSource,
	clock warehouse.Clock,
	loc *time.Location,
	cfg ViewsConfig,
	logger *zap.Logger,
) *ViewsEnricher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 5000
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewsEnricher{store: store, source: source, clock: clock, loc: loc, cfg: cfg, logger: logger}
}

// Run enriches up to cfg.Limit snapshots of the current site day. Chunk failures are counted and
// the pass continues.
func (e *ViewsEnricher) Run(ctx context.Context) (ViewsSummary, error) {
	var summary ViewsSummary
	day := warehouse.DayOf(e.clock.Now(), e.loc)
	ids, err := e.store.ListMissingViews(ctx, day, e.cfg.Limit)
	if err != nil {
		return summary, fmt.Errorf("list missing views: %w", err)
	}
	summary.Candidates = len(ids)

	for start := 0; start < len(ids); start += e.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		chunk := ids[start:min(start+e.cfg.ChunkSize, len(ids))]
		views, err := e.source.Views(ctx, chunk)
		if err != nil {
			summary.Failed += len(chunk)
			e.logger.Warn("views chunk failed", zap.Int("size", len(chunk)), zap.Error(err))
			continue
		}
		for _, id := range chunk {
			v, ok := views[id]
			if !ok {
				summary.Missing++
				continue
			}
			updated, err := e.store.UpdateViews(ctx, id, day, v)
			if err != nil {
				summary.Failed++
				e.logger.Warn("update views failed", zap.Int64("entity_id", id), zap.Error(err))
				continue
			}
			if updated {
				summary.Updated++
			}
		}
	}

	metrics.ObserveBatch("views", map[string]int{
		"updated": summary.Updated,
		"missing": summary.Missing,
		"failed":  summary.Failed,
	})
	e.logger.Info("views enrichment finished",
		zap.Time("day", day),
		zap.Int("candidates", summary.Candidates),
		zap.Int("updated", summary.Updated),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}
