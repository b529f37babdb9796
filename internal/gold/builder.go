// Package gold folds silver state into the star schema: calendar, location, vehicle and seller
// dimensions with surrogate keys, a daily fact table and a price event fact table.
package gold

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Config controls Builder behavior.
type Config struct {
	DaysBack    int
	DaysForward int
	PageSize    int
	Concurrency int
}

// Summary counts one builder pass.
type Summary struct {
	Entities          int `json:"entities"`
	Skipped           int `json:"skipped"`
	Failed            int `json:"failed"`
	DatesAdded        int `json:"dates_added"`
	DimensionsCreated int `json:"dimensions_created"`
	FactsWritten      int `json:"facts_written"`
	FactsUnchanged    int `json:"facts_unchanged"`
	EventsInserted    int `json:"events_inserted"`
	EventsExisting    int `json:"events_existing"`
}

// Builder runs batch reconciliation passes from silver to gold.
type Builder struct {
	silver warehouse.SilverStore
	gold   warehouse.GoldStore
	clock  warehouse.Clock
	loc    *time.Location
	cfg    Config
	logger *zap.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(
	silver warehouse.SilverStore,
	gold warehouse.GoldStore,
	clock warehouse.Clock,
	loc *time.Location,
	cfg Config,
	logger *zap.Logger,
) (*Builder, error) {
	if silver == nil || gold == nil || clock == nil {
		return nil, fmt.Errorf("silver store, gold store and clock are required")
	}
	// 0/0 seeds only today; days outside the window are added as facts reach them.
	if cfg.DaysBack < 0 || cfg.DaysForward < 0 {
		return nil, fmt.Errorf("date window must not be negative")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{silver: silver, gold: gold, clock: clock, loc: loc, cfg: cfg, logger: logger}, nil
}

// run holds the state of one pass. Caches are only ever filled with committed keys.
type run struct {
	*Builder

	mu      sync.Mutex
	summary Summary
	dims    map[string]int64
	dates   map[int]struct{}
}

// Run executes one pass. Entity failures are counted and the pass continues; cancellation stops
// between entities and returns the partial summary with the context error.
func (b *Builder) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	r := &run{Builder: b, dims: make(map[string]int64), dates: make(map[int]struct{})}

	today := warehouse.DayOf(b.clock.Now(), b.loc)
	window := DateWindow(today, b.cfg.DaysBack, b.cfg.DaysForward)
	added, err := b.gold.EnsureDates(ctx, window)
	if err != nil {
		return r.summary, fmt.Errorf("ensure date window: %w", err)
	}
	r.summary.DatesAdded = added
	for _, d := range window {
		r.dates[d.DateKey] = struct{}{}
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(start, err)
		}
		page, err := b.silver.ListCurrent(ctx, afterID, b.cfg.PageSize)
		if err != nil {
			return r.finish(start, fmt.Errorf("list current after %d: %w", afterID, err))
		}
		if len(page) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.Concurrency)
		for _, state := range page {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				r.processEntity(gctx, state)
				return nil
			})
		}
		_ = g.Wait()
		afterID = page[len(page)-1].EntityID
	}
	return r.finish(start, nil)
}

func (r *run) finish(start time.Time, err error) (Summary, error) {
	r.mu.Lock()
	s := r.summary
	r.mu.Unlock()
	metrics.ObserveBatch("gold", map[string]int{
		"built":   s.Entities - s.Skipped - s.Failed,
		"skipped": s.Skipped,
		"failed":  s.Failed,
	})
	metrics.ObserveGoldRows("fact_listing_daily", "written", s.FactsWritten)
	metrics.ObserveGoldRows("fact_listing_daily", "unchanged", s.FactsUnchanged)
	metrics.ObserveGoldRows("fact_price_event", "inserted", s.EventsInserted)
	metrics.ObserveGoldRows("fact_price_event", "existing", s.EventsExisting)
	metrics.ObserveGoldRows("dimensions", "inserted", s.DimensionsCreated)
	r.logger.Info("gold build finished",
		zap.Int("entities", s.Entities),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("facts_written", s.FactsWritten),
		zap.Int("facts_unchanged", s.FactsUnchanged),
		zap.Int("events_inserted", s.EventsInserted),
		zap.Int("dimensions_created", s.DimensionsCreated),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return s, err
}

func (r *run) count(fn func(s *Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.summary)
}

func (r *run) processEntity(ctx context.Context, state warehouse.CurrentState) {
	r.count(func(s *Summary) { s.Entities++ })
	if blank(state.Make) || blank(state.Model) {
		r.count(func(s *Summary) { s.Skipped++ })
		return
	}
	if err := r.buildEntity(ctx, state); err != nil {
		r.count(func(s *Summary) { s.Failed++ })
		r.logger.Warn("gold build failed for listing", zap.Int64("entity_id", state.EntityID), zap.Error(err))
	}
}

func (r *run) buildEntity(ctx context.Context, state warehouse.CurrentState) error {
	locationKey, err := r.resolve(ctx, LocationOf(state))
	if err != nil {
		return err
	}
	vehicleKey, err := r.resolve(ctx, VehicleOf(state))
	if err != nil {
		return err
	}
	sellerKey, err := r.resolve(ctx, SellerOf(state))
	if err != nil {
		return err
	}

	snapshots, err := r.silver.ListDailySnapshots(ctx, state.EntityID)
	if err != nil {
		return fmt.Errorf("list daily snapshots: %w", err)
	}
	for _, snap := range LatestPerDay(snapshots) {
		dateKey, err := r.ensureDate(ctx, snap.Day)
		if err != nil {
			return err
		}
		changed, err := r.gold.UpsertFactDaily(ctx, warehouse.FactDaily{
			DateKey:     dateKey,
			EntityID:    state.EntityID,
			LocationKey: locationKey,
			VehicleKey:  vehicleKey,
			SellerKey:   sellerKey,
			Price:       snap.Price,
			IsActive:    snap.IsActive,
			DaysOnSite:  DaysOnSite(state.FirstSeenAt, snap.Day, r.loc),
			Views:       snap.Views,
			PhotoCount:  snap.PhotoCount,
		})
		if err != nil {
			return fmt.Errorf("upsert daily fact %d: %w", dateKey, err)
		}
		r.count(func(s *Summary) {
			if changed {
				s.FactsWritten++
			} else {
				s.FactsUnchanged++
			}
		})
	}

	events, err := r.silver.ListPriceEvents(ctx, state.EntityID)
	if err != nil {
		return fmt.Errorf("list price events: %w", err)
	}
	for _, ev := range events {
		dateKey, err := r.ensureDate(ctx, warehouse.DayOf(ev.EventTS, r.loc))
		if err != nil {
			return err
		}
		inserted, err := r.gold.InsertFactPriceEvent(ctx, warehouse.FactPriceEvent{
			EntityID: ev.EntityID,
			EventTS:  ev.EventTS,
			DateKey:  dateKey,
			OldPrice: ev.OldPrice,
			NewPrice: ev.NewPrice,
		})
		if err != nil {
			return fmt.Errorf("insert price event fact: %w", err)
		}
		r.count(func(s *Summary) {
			if inserted {
				s.EventsInserted++
			} else {
				s.EventsExisting++
			}
		})
	}
	return nil
}

// resolve finds or creates a dimension row. Losing an insert race re-reads the winner's key.
func (r *run) resolve(ctx context.Context, row warehouse.DimensionRow) (int64, error) {
	kind := row.Kind()
	nk := NaturalKey(row)
	cacheKey := string(kind) + ":" + nk

	r.mu.Lock()
	key, ok := r.dims[cacheKey]
	r.mu.Unlock()
	if ok {
		return key, nil
	}

	key, found, err := r.gold.FindDimension(ctx, kind, nk)
	if err != nil {
		return 0, fmt.Errorf("find %s dimension: %w", kind, err)
	}
	if !found {
		var inserted bool
		key, inserted, err = r.gold.InsertDimension(ctx, nk, row)
		if err != nil && !errors.Is(err, warehouse.ErrConflict) {
			return 0, fmt.Errorf("insert %s dimension: %w", kind, err)
		}
		if inserted {
			r.count(func(s *Summary) { s.DimensionsCreated++ })
		} else {
			key, found, err = r.gold.FindDimension(ctx, kind, nk)
			if err != nil {
				return 0, fmt.Errorf("re-read %s dimension: %w", kind, err)
			}
			if !found {
				return 0, fmt.Errorf("%s dimension %s missing after conflict", kind, nk)
			}
		}
	}

	r.mu.Lock()
	r.dims[cacheKey] = key
	r.mu.Unlock()
	return key, nil
}

// ensureDate adds calendar rows for days outside the pre-populated window.
func (r *run) ensureDate(ctx context.Context, day time.Time) (int, error) {
	key := warehouse.DateKeyOf(day)
	r.mu.Lock()
	_, ok := r.dates[key]
	r.mu.Unlock()
	if ok {
		return key, nil
	}
	added, err := r.gold.EnsureDates(ctx, []warehouse.DateDim{DateRow(day)})
	if err != nil {
		return 0, fmt.Errorf("ensure date %d: %w", key, err)
	}
	r.mu.Lock()
	r.dates[key] = struct{}{}
	r.summary.DatesAdded += added
	r.mu.Unlock()
	return key, nil
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
