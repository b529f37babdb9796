package warehouse

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and reads them back by URI.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Non-2xx responses are returned as
// responses, not errors; errors mean no response was obtained.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser extracts a NormalizedRecord from raw page content. It returns ErrNotFound when the page
// signals the listing was removed and a *ParseError when the content cannot be interpreted.
type Parser interface {
	Parse(raw []byte, url string, entityID int64) (NormalizedRecord, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes hex digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces claim tokens and run ids.
type IDGenerator interface {
	NewID() (string, error)
}

// ClaimRequest parameterizes one atomic claim of eligible queue rows.
type ClaimRequest struct {
	Token        string
	Now          time.Time
	Lease        time.Duration
	Limit        int
	RevisitAfter time.Duration
}

// QueueStore persists crawl queue rows.
type QueueStore interface {
	// InsertNew adds NEW rows, ignoring ids that already exist, and reports how many were added.
	InsertNew(ctx context.Context, items []QueueItem) (int, error)
	// Claim atomically leases up to req.Limit eligible rows to req.Token.
	Claim(ctx context.Context, req ClaimRequest) ([]QueueItem, error)
	// Apply persists next if the row is still leased to token and still in state prev, releasing
	// the lease. It returns ErrClaimLost otherwise.
	Apply(ctx context.Context, token string, prev QueueState, next QueueItem) error
	// Renew extends the lease of one row to until if it is still leased to token at now. It
	// returns ErrClaimLost when the lease expired or moved to another token.
	Renew(ctx context.Context, token string, entityID int64, now, until time.Time) error
	// Reset returns a FAILED or INACTIVE row to NEW.
	Reset(ctx context.Context, entityID int64) (QueueItem, error)
	Get(ctx context.Context, entityID int64) (QueueItem, error)
	CountByState(ctx context.Context) (map[QueueState]int, error)
}

// RawRepository persists bronze metadata rows.
type RawRepository interface {
	InsertRawSnapshot(ctx context.Context, snapshot RawSnapshot) error
	LatestRawSnapshot(ctx context.Context, entityID int64) (RawSnapshot, error)
}

// SilverTx is the per-entity unit of work used by the normalizer.
type SilverTx interface {
	// LoadCurrent returns the current row and whether it exists, locking it for the transaction.
	LoadCurrent(ctx context.Context, entityID int64) (CurrentState, bool, error)
	SaveCurrent(ctx context.Context, state CurrentState) error
	// InsertPriceEvent appends the event and reports false when it already existed.
	InsertPriceEvent(ctx context.Context, event PriceEvent) (bool, error)
	UpsertDailySnapshot(ctx context.Context, snapshot DailySnapshot) error
}

// SilverStore persists normalized listing state.
type SilverStore interface {
	WithinEntity(ctx context.Context, entityID int64, fn func(ctx context.Context, tx SilverTx) error) error
	GetCurrent(ctx context.Context, entityID int64) (CurrentState, error)
	// ListCurrent pages current rows ordered by entity id, starting after afterID.
	ListCurrent(ctx context.Context, afterID int64, limit int) ([]CurrentState, error)
	ListDailySnapshots(ctx context.Context, entityID int64) ([]DailySnapshot, error)
	ListPriceEvents(ctx context.Context, entityID int64) ([]PriceEvent, error)
	// ListMissingViews returns ids whose snapshot for day has no view count yet.
	ListMissingViews(ctx context.Context, day time.Time, limit int) ([]int64, error)
	// UpdateViews sets the view counter of the day's snapshot and of the current row.
	UpdateViews(ctx context.Context, entityID int64, day time.Time, views int) (bool, error)
}

// DimensionKind names a gold dimension with a surrogate key.
type DimensionKind string

const (
	// DimLocation is the region/city dimension.
	DimLocation DimensionKind = "location"
	// DimVehicle is the vehicle attribute dimension.
	DimVehicle DimensionKind = "vehicle"
	// DimSeller is the seller dimension.
	DimSeller DimensionKind = "seller"
)

// DimensionRow is implemented by every surrogate-keyed dimension.
type DimensionRow interface {
	Kind() DimensionKind
}

// Kind implements DimensionRow.
func (LocationDim) Kind() DimensionKind { return DimLocation }

// Kind implements DimensionRow.
func (VehicleDim) Kind() DimensionKind { return DimVehicle }

// Kind implements DimensionRow.
func (SellerDim) Kind() DimensionKind { return DimSeller }

// GoldStore persists the star schema.
type GoldStore interface {
	// EnsureDates inserts missing calendar rows and reports how many were added.
	EnsureDates(ctx context.Context, dates []DateDim) (int, error)
	FindDimension(ctx context.Context, kind DimensionKind, naturalKey string) (int64, bool, error)
	// InsertDimension inserts the row unless the natural key exists; inserted is false on conflict.
	InsertDimension(ctx context.Context, naturalKey string, row DimensionRow) (key int64, inserted bool, err error)
	// UpsertFactDaily writes the fact and reports whether any row changed.
	UpsertFactDaily(ctx context.Context, fact FactDaily) (bool, error)
	// InsertFactPriceEvent appends the event and reports false when it already existed.
	InsertFactPriceEvent(ctx context.Context, event FactPriceEvent) (bool, error)
}

// QualityCounts feeds the data-quality checks for one calendar day.
type QualityCounts struct {
	RawFetches         int `json:"raw_fetches"`
	DailySnapshots     int `json:"daily_snapshots"`
	DailyFacts         int `json:"daily_facts"`
	ActiveListings     int `json:"active_listings"`
	ActiveWithoutPrice int `json:"active_without_price"`
	MissingMakeModel   int `json:"missing_make_model"`
}

// QualityStore computes aggregate counts for data-quality checks. day is the calendar date used
// for snapshot and fact keys; raw fetches are counted in [start, end).
type QualityStore interface {
	QualityCounts(ctx context.Context, day, start, end time.Time) (QualityCounts, error)
}
