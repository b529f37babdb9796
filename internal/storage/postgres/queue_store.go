package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

const queueColumns = `listing_id, url, discovered_at, state, attempts, parse_failures, last_attempt_at,
	next_retry_at, last_http_status, last_error, claimed_by, claimed_until`

// QueueStore persists the crawl queue in ctl.crawl_queue.
type QueueStore struct {
	db DB
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore(db DB) *QueueStore {
	return &QueueStore{db: db}
}

// InsertNew adds NEW rows in one statement, ignoring known ids.
func (s *QueueStore) InsertNew(ctx context.Context, items []warehouse.QueueItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(items))
	urls := make([]string, len(items))
	discovered := make([]time.Time, len(items))
	for i, item := range items {
		ids[i] = item.EntityID
		urls[i] = item.URL
		discovered[i] = item.DiscoveredAt
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO ctl.crawl_queue (listing_id, url, discovered_at, state)
SELECT id, url, discovered_at, 'NEW'
FROM unnest($1::bigint[], $2::text[], $3::timestamptz[]) AS t(id, url, discovered_at)
ON CONFLICT (listing_id) DO NOTHING`, ids, urls, discovered)
	if err != nil {
		return 0, fmt.Errorf("insert queue rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Claim leases eligible rows with FOR UPDATE SKIP LOCKED so concurrent claimers never overlap.
func (s *QueueStore) Claim(ctx context.Context, req warehouse.ClaimRequest) ([]warehouse.QueueItem, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("claim token is required")
	}
	revisit := req.RevisitAfter > 0
	rows, err := s.db.Query(ctx, `
UPDATE ctl.crawl_queue
SET claimed_by = $1, claimed_until = $2
WHERE listing_id IN (
	SELECT listing_id FROM ctl.crawl_queue
	WHERE (claimed_until IS NULL OR claimed_until <= $3)
	  AND (state = 'NEW'
	    OR (state = 'RETRY' AND (next_retry_at IS NULL OR next_retry_at <= $3))
	    OR ($4::boolean AND state = 'FETCHED' AND (last_attempt_at IS NULL OR last_attempt_at <= $5)))
	ORDER BY discovered_at, listing_id
	LIMIT $6
	FOR UPDATE SKIP LOCKED
)
RETURNING `+queueColumns,
		req.Token,
		req.Now.Add(req.Lease),
		req.Now,
		revisit,
		req.Now.Add(-req.RevisitAfter),
		req.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queue rows: %w", err)
	}
	items, err := pgx.CollectRows(rows, collectQueueItem)
	if err != nil {
		return nil, fmt.Errorf("scan claimed rows: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].DiscoveredAt.Equal(items[j].DiscoveredAt) {
			return items[i].DiscoveredAt.Before(items[j].DiscoveredAt)
		}
		return items[i].EntityID < items[j].EntityID
	})
	return items, nil
}

// Apply persists a transition guarded by claim token and prior state.
func (s *QueueStore) Apply(ctx context.Context, token string, prev warehouse.QueueState, next warehouse.QueueItem) error {
	tag, err := s.db.Exec(ctx, `
UPDATE ctl.crawl_queue
SET state = $3, attempts = $4, parse_failures = $5, last_attempt_at = $6, next_retry_at = $7,
    last_http_status = $8, last_error = $9, claimed_by = NULL, claimed_until = NULL
WHERE listing_id = $1 AND claimed_by = $2 AND state = $10`,
		next.EntityID,
		token,
		string(next.State),
		next.Attempts,
		next.ParseFailures,
		next.LastAttemptAt,
		next.NextRetryAt,
		next.LastHTTPStatus,
		next.LastError,
		string(prev),
	)
	if err != nil {
		return fmt.Errorf("update queue row %d: %w", next.EntityID, err)
	}
	if tag.RowsAffected() == 0 {
		return warehouse.ErrClaimLost
	}
	return nil
}

// Renew extends a lease that token still holds at now.
func (s *QueueStore) Renew(ctx context.Context, token string, entityID int64, now, until time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE ctl.crawl_queue
SET claimed_until = $4
WHERE listing_id = $1 AND claimed_by = $2 AND claimed_until > $3`,
		entityID, token, now, until)
	if err != nil {
		return fmt.Errorf("renew lease of %d: %w", entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return warehouse.ErrClaimLost
	}
	return nil
}

// Reset returns a FAILED or INACTIVE row to NEW.
func (s *QueueStore) Reset(ctx context.Context, entityID int64) (warehouse.QueueItem, error) {
	row := s.db.QueryRow(ctx, `
UPDATE ctl.crawl_queue
SET state = 'NEW', attempts = 0, parse_failures = 0, next_retry_at = NULL, last_error = NULL,
    claimed_by = NULL, claimed_until = NULL
WHERE listing_id = $1 AND state IN ('FAILED', 'INACTIVE')
RETURNING `+queueColumns, entityID)
	item, err := scanQueueItem(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return warehouse.QueueItem{}, fmt.Errorf("reset queue row %d: %w", entityID, err)
	}
	cur, getErr := s.Get(ctx, entityID)
	if getErr != nil {
		return warehouse.QueueItem{}, getErr
	}
	return warehouse.QueueItem{}, fmt.Errorf("%w: %s is not terminal", warehouse.ErrInvalidTransition, cur.State)
}

// Get returns one row.
func (s *QueueStore) Get(ctx context.Context, entityID int64) (warehouse.QueueItem, error) {
	row := s.db.QueryRow(ctx, `SELECT `+queueColumns+` FROM ctl.crawl_queue WHERE listing_id = $1`, entityID)
	item, err := scanQueueItem(row)
	if err != nil {
		return warehouse.QueueItem{}, mapErr(err)
	}
	return item, nil
}

// CountByState returns row counts per state.
func (s *QueueStore) CountByState(ctx context.Context) (map[warehouse.QueueState]int, error) {
	rows, err := s.db.Query(ctx, `SELECT state, count(*) FROM ctl.crawl_queue GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count queue states: %w", err)
	}
	defer rows.Close()
	out := make(map[warehouse.QueueState]int)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out[warehouse.QueueState(state)] = int(n)
	}
	return out, rows.Err()
}

func collectQueueItem(row pgx.CollectableRow) (warehouse.QueueItem, error) {
	return scanQueueItem(row)
}

func scanQueueItem(row pgx.Row) (warehouse.QueueItem, error) {
	var (
		item      warehouse.QueueItem
		state     string
		claimedBy *string
	)
	err := row.Scan(
		&item.EntityID,
		&item.URL,
		&item.DiscoveredAt,
		&state,
		&item.Attempts,
		&item.ParseFailures,
		&item.LastAttemptAt,
		&item.NextRetryAt,
		&item.LastHTTPStatus,
		&item.LastError,
		&claimedBy,
		&item.ClaimedUntil,
	)
	if err != nil {
		return warehouse.QueueItem{}, err
	}
	item.State = warehouse.QueueState(state)
	if claimedBy != nil {
		item.ClaimedBy = *claimedBy
	}
	return item, nil
}
