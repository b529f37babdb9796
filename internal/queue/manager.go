// Package queue implements the crawl queue state machine: discovery, atomic claiming of due work,
// outcome recording with backoff, and administrative re-enqueue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/metrics"
	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Config controls Manager behavior.
type Config struct {
	BaseURL           string
	MaxAttempts       int
	ParseFailureLimit int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ClaimTTL          time.Duration
	BatchSize         int
	RevisitAfter      time.Duration
}

// Claim is a batch of rows leased to one token.
type Claim struct {
	Token string
	Items []warehouse.QueueItem
}

// Manager owns queue transitions. It is safe for concurrent use; all coordination happens in the
// store through claim tokens and conditional updates.
type Manager struct {
	store  warehouse.QueueStore
	clock  warehouse.Clock
	ids    warehouse.IDGenerator
	policy Policy
	cfg    Config
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(
	store warehouse.QueueStore,
	clock warehouse.Clock,
	ids warehouse.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be > 0")
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store: store,
		clock: clock,
		ids:   ids,
		policy: Policy{
			MaxAttempts:       cfg.MaxAttempts,
			ParseFailureLimit: cfg.ParseFailureLimit,
			Backoff:           NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// URLFor builds the detail page URL of a listing.
func (m *Manager) URLFor(entityID int64) string {
	return fmt.Sprintf("%s/a/show/%d", strings.TrimRight(m.cfg.BaseURL, "/"), entityID)
}

// Discover registers listing ids as NEW. Known ids are left untouched.
func (m *Manager) Discover(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := m.clock.Now()
	seen := make(map[int64]struct{}, len(ids))
	items := make([]warehouse.QueueItem, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, warehouse.QueueItem{
			EntityID:     id,
			URL:          m.URLFor(id),
			DiscoveredAt: now,
			State:        warehouse.StateNew,
		})
	}
	added, err := m.store.InsertNew(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("insert discovered ids: %w", err)
	}
	m.logger.Info("listings discovered", zap.Int("candidates", len(items)), zap.Int("added", added))
	return added, nil
}

// Claim leases up to limit eligible rows. An empty claim is not an error.
func (m *Manager) Claim(ctx context.Context, limit int) (Claim, error) {
	if limit <= 0 {
		limit = m.cfg.BatchSize
	}
	token, err := m.ids.NewID()
	if err != nil {
		return Claim{}, fmt.Errorf("claim token: %w", err)
	}
	items, err := m.store.Claim(ctx, warehouse.ClaimRequest{
		Token:        token,
		Now:          m.clock.Now(),
		Lease:        m.cfg.ClaimTTL,
		Limit:        limit,
		RevisitAfter: m.cfg.RevisitAfter,
	})
	if err != nil {
		return Claim{}, fmt.Errorf("claim queue rows: %w", err)
	}
	return Claim{Token: token, Items: items}, nil
}

// Record applies a fetch outcome to a claimed item and persists the transition.
func (m *Manager) Record(
	ctx context.Context,
	token string,
	item warehouse.QueueItem,
	outcome Outcome,
) (warehouse.QueueItem, error) {
	next, err := m.policy.Next(item, outcome, m.clock.Now())
	if err != nil {
		return item, err
	}
	if err := m.store.Apply(ctx, token, item.State, next); err != nil {
		if errors.Is(err, warehouse.ErrClaimLost) {
			m.logger.Warn("queue claim lost before recording outcome",
				zap.Int64("entity_id", item.EntityID),
				zap.String("outcome", string(outcome.Kind)),
			)
		}
		return item, fmt.Errorf("apply transition: %w", err)
	}
	metrics.ObserveQueueTransition(string(item.State), string(next.State))
	if next.State == warehouse.StateFailed {
		m.logger.Warn("listing exhausted retries",
			zap.Int64("entity_id", next.EntityID),
			zap.Int("attempts", next.Attempts),
			zap.Int("parse_failures", next.ParseFailures),
			zap.Stringp("last_error", next.LastError),
		)
	}
	return next, nil
}

// Renew extends the lease on one claimed item by ClaimTTL from now. Workers call it before
// touching an item so a batch that outlives its lease never works on re-claimed rows.
func (m *Manager) Renew(ctx context.Context, token string, item warehouse.QueueItem) (warehouse.QueueItem, error) {
	now := m.clock.Now()
	until := now.Add(m.cfg.ClaimTTL)
	if err := m.store.Renew(ctx, token, item.EntityID, now, until); err != nil {
		return item, fmt.Errorf("renew lease of %d: %w", item.EntityID, err)
	}
	item.ClaimedBy = token
	item.ClaimedUntil = &until
	return item, nil
}

// Reenqueue resets a terminal row to NEW. Non-terminal rows are rejected.
func (m *Manager) Reenqueue(ctx context.Context, entityID int64) (warehouse.QueueItem, error) {
	item, err := m.store.Reset(ctx, entityID)
	if err != nil {
		return warehouse.QueueItem{}, fmt.Errorf("reset listing %d: %w", entityID, err)
	}
	m.logger.Info("listing re-enqueued", zap.Int64("entity_id", entityID))
	return item, nil
}

// Get returns one queue row.
func (m *Manager) Get(ctx context.Context, entityID int64) (warehouse.QueueItem, error) {
	item, err := m.store.Get(ctx, entityID)
	if err != nil {
		return warehouse.QueueItem{}, fmt.Errorf("get listing %d: %w", entityID, err)
	}
	return item, nil
}

// Summary returns row counts for every state, including zero counts.
func (m *Manager) Summary(ctx context.Context) (map[warehouse.QueueState]int, error) {
	counts, err := m.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue states: %w", err)
	}
	out := make(map[warehouse.QueueState]int, len(warehouse.AllStates))
	for _, s := range warehouse.AllStates {
		out[s] = counts[s]
	}
	return out, nil
}
