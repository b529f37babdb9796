// Package silver turns parsed listing observations into current state, a daily time series and
// price change events.
package silver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Outcome describes what one normalizer call did.
type Outcome string

const (
	// OutcomeCreated means a listing was seen for the first time.
	OutcomeCreated Outcome = "created"
	// OutcomeUnchanged means only last_seen_at and volatile counters were refreshed.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeReactivated means an inactive listing reappeared with identical content.
	OutcomeReactivated Outcome = "reactivated"
	// OutcomeChanged means the normalized payload changed.
	OutcomeChanged Outcome = "changed"
	// OutcomeInactive means the listing was marked inactive.
	OutcomeInactive Outcome = "inactive"
	// OutcomeStale means the observation predates the current row and was ignored.
	OutcomeStale Outcome = "stale"
	// OutcomeAbsent means MarkInactive found no current row.
	OutcomeAbsent Outcome = "absent"
)

// PayloadHasher digests the normalized payload.
type PayloadHasher interface {
	HashJSON(v any) (string, error)
}

// Result reports the effect of one observation.
type Result struct {
	EntityID    int64
	Outcome     Outcome
	Day         time.Time
	PayloadHash string
	PriceEvent  *warehouse.PriceEvent
}

// Normalizer applies observations to silver state, one listing per transaction.
type Normalizer struct {
	store    warehouse.SilverStore
	hasher   PayloadHasher
	validate *validator.Validate
	loc      *time.Location
	logger   *zap.Logger
}

// NewNormalizer constructs a Normalizer. loc is the site time zone used for calendar days.
func NewNormalizer(
	store warehouse.SilverStore,
	hasher PayloadHasher,
	loc *time.Location,
	logger *zap.Logger,
) (*Normalizer, error) {
	if store == nil || hasher == nil {
		return nil, fmt.Errorf("silver store and hasher are required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		store:    store,
		hasher:   hasher,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		loc:      loc,
		logger:   logger,
	}, nil
}

// Hash returns the change-detection digest of a listing. Volatile counters are not part of it.
func (n *Normalizer) Hash(listing warehouse.Listing) (string, error) {
	return n.hasher.HashJSON(canonical(listing))
}

// Normalize applies one parsed observation made at observedAt.
func (n *Normalizer) Normalize(
	ctx context.Context,
	record warehouse.NormalizedRecord,
	observedAt time.Time,
) (Result, error) {
	if err := n.validate.Struct(record); err != nil {
		return Result{}, &warehouse.ParseError{EntityID: record.EntityID, Reason: "validate record", Err: err}
	}
	listing := canonical(record.Listing)
	hash, err := n.hasher.HashJSON(listing)
	if err != nil {
		return Result{}, fmt.Errorf("hash listing %d: %w", record.EntityID, err)
	}
	observedAt = observedAt.UTC()
	res := Result{
		EntityID:    record.EntityID,
		Day:         warehouse.DayOf(observedAt, n.loc),
		PayloadHash: hash,
	}

	err = n.store.WithinEntity(ctx, record.EntityID, func(ctx context.Context, tx warehouse.SilverTx) error {
		prev, found, err := tx.LoadCurrent(ctx, record.EntityID)
		if err != nil {
			return fmt.Errorf("load current: %w", err)
		}
		if found && observedAt.Before(prev.LastSeenAt) {
			res.Outcome = OutcomeStale
			return nil
		}

		next := warehouse.CurrentState{
			EntityID:    record.EntityID,
			Listing:     listing,
			Counters:    record.Counters,
			FirstSeenAt: observedAt,
			LastSeenAt:  observedAt,
			IsActive:    true,
			PayloadHash: hash,
		}
		switch {
		case !found:
			res.Outcome = OutcomeCreated
		case prev.PayloadHash == hash:
			next = prev
			next.Counters = mergeCounters(record.Counters, prev.Counters)
			next.LastSeenAt = observedAt
			res.Outcome = OutcomeUnchanged
			if !prev.IsActive {
				next.IsActive = true
				res.Outcome = OutcomeReactivated
			}
		default:
			next.FirstSeenAt = prev.FirstSeenAt
			next.Counters = mergeCounters(record.Counters, prev.Counters)
			res.Outcome = OutcomeChanged
			if priceChanged(prev.Price, listing.Price) {
				event := warehouse.PriceEvent{
					EntityID: record.EntityID,
					EventTS:  observedAt,
					OldPrice: *prev.Price,
					NewPrice: *listing.Price,
				}
				inserted, err := tx.InsertPriceEvent(ctx, event)
				if err != nil {
					return fmt.Errorf("insert price event: %w", err)
				}
				if inserted {
					res.PriceEvent = &event
				}
			}
		}

		if err := tx.SaveCurrent(ctx, next); err != nil {
			return fmt.Errorf("save current: %w", err)
		}
		// Only this observation's counters go to the day row; the store keeps the day's
		// enriched values where the page carried none.
		if err := tx.UpsertDailySnapshot(ctx, snapshotOf(next, record.Counters, res.Day, observedAt)); err != nil {
			return fmt.Errorf("upsert daily snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("normalize listing %d: %w", record.EntityID, err)
	}

	metrics.ObserveNormalize(string(res.Outcome))
	if res.PriceEvent != nil {
		n.logger.Info("price change detected",
			zap.Int64("entity_id", record.EntityID),
			zap.Int64("old_price", res.PriceEvent.OldPrice),
			zap.Int64("new_price", res.PriceEvent.NewPrice),
		)
	}
	return res, nil
}

// MarkInactive records that a listing was observed gone. Attributes are kept.
func (n *Normalizer) MarkInactive(ctx context.Context, entityID int64, observedAt time.Time) (Result, error) {
	observedAt = observedAt.UTC()
	res := Result{EntityID: entityID, Day: warehouse.DayOf(observedAt, n.loc)}
	err := n.store.WithinEntity(ctx, entityID, func(ctx context.Context, tx warehouse.SilverTx) error {
		prev, found, err := tx.LoadCurrent(ctx, entityID)
		if err != nil {
			return fmt.Errorf("load current: %w", err)
		}
		switch {
		case !found:
			res.Outcome = OutcomeAbsent
			return nil
		case observedAt.Before(prev.LastSeenAt):
			res.Outcome = OutcomeStale
			return nil
		}
		res.Outcome = OutcomeInactive
		res.PayloadHash = prev.PayloadHash
		next := prev
		next.IsActive = false
		if err := tx.SaveCurrent(ctx, next); err != nil {
			return fmt.Errorf("save current: %w", err)
		}
		if err := tx.UpsertDailySnapshot(ctx, snapshotOf(next, warehouse.Counters{}, res.Day, observedAt)); err != nil {
			return fmt.Errorf("upsert daily snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("mark listing %d inactive: %w", entityID, err)
	}
	metrics.ObserveNormalize(string(res.Outcome))
	return res, nil
}

func snapshotOf(state warehouse.CurrentState, counters warehouse.Counters, day, observedAt time.Time) warehouse.DailySnapshot {
	return warehouse.DailySnapshot{
		EntityID:   state.EntityID,
		Day:        day,
		Price:      state.Price,
		IsActive:   state.IsActive,
		Views:      counters.Views,
		PhotoCount: counters.PhotoCount,
		ObservedAt: observedAt,
	}
}

// mergeCounters prefers observed counters and falls back to known ones per field.
func mergeCounters(observed, known warehouse.Counters) warehouse.Counters {
	if observed.Views == nil {
		observed.Views = known.Views
	}
	if observed.PhotoCount == nil {
		observed.PhotoCount = known.PhotoCount
	}
	return observed
}

func priceChanged(prev, next *int64) bool {
	return prev != nil && next != nil && *prev != *next
}

// canonical normalizes representation-only differences so they do not register as changes.
func canonical(l warehouse.Listing) warehouse.Listing {
	if len(l.Photos) == 0 {
		l.Photos = nil
	} else {
		l.Photos = append([]string(nil), l.Photos...)
	}
	return l
}
