package warehouse

import (
	"net/http"
	"time"
)

// QueueState enumerates crawl queue lifecycle states.
type QueueState string

const (
	// StateNew marks a discovered entity that has never been fetched.
	StateNew QueueState = "NEW"
	// StateFetched marks an entity whose last fetch was parsed successfully.
	StateFetched QueueState = "FETCHED"
	// StateRetry marks an entity waiting for its backoff window to elapse.
	StateRetry QueueState = "RETRY"
	// StateFailed is terminal: the retry budget is exhausted.
	StateFailed QueueState = "FAILED"
	// StateInactive is terminal: the listing no longer exists on the site.
	StateInactive QueueState = "INACTIVE"
)

// AllStates lists every queue state in display order.
var AllStates = []QueueState{StateNew, StateFetched, StateRetry, StateFailed, StateInactive}

// Terminal reports whether the state is only left through an administrative re-enqueue.
func (s QueueState) Terminal() bool {
	return s == StateFailed || s == StateInactive
}

// Valid reports whether s is a known state.
func (s QueueState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// QueueItem is the crawl control row for one listing.
type QueueItem struct {
	EntityID       int64      `json:"listing_id"`
	URL            string     `json:"url"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	State          QueueState `json:"state"`
	Attempts       int        `json:"attempts"`
	ParseFailures  int        `json:"parse_failures"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastHTTPStatus *int       `json:"last_http_status,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
}

// Eligible reports whether the item may be claimed at now. revisitAfter > 0 also admits FETCHED
// rows whose last attempt is older than the revisit interval.
func (q QueueItem) Eligible(now time.Time, revisitAfter time.Duration) bool {
	if q.ClaimedUntil != nil && q.ClaimedUntil.After(now) {
		return false
	}
	switch q.State {
	case StateNew:
		return true
	case StateRetry:
		return q.NextRetryAt == nil || !q.NextRetryAt.After(now)
	case StateFetched:
		if revisitAfter <= 0 {
			return false
		}
		return q.LastAttemptAt == nil || !q.LastAttemptAt.Add(revisitAfter).After(now)
	default:
		return false
	}
}

// RawSnapshot is the immutable bronze metadata row for one fetch attempt.
type RawSnapshot struct {
	EntityID   int64     `json:"listing_id"`
	FetchedAt  time.Time `json:"fetched_at"`
	Location   string    `json:"location"`
	ObjectKey  string    `json:"object_key"`
	SHA256     string    `json:"sha256"`
	HTTPStatus int       `json:"http_status"`
	SizeBytes  int       `json:"size_bytes"`
}

// Listing carries the normalized, hash-relevant attributes of a listing. Field order is part of
// the payload hash, so new fields go at the end.
type Listing struct {
	URL            string   `json:"url" validate:"required"`
	Title          *string  `json:"title"`
	Price          *int64   `json:"price" validate:"omitempty,gte=0"`
	City           *string  `json:"city"`
	Region         *string  `json:"region"`
	Make           *string  `json:"make"`
	Model          *string  `json:"model"`
	Generation     *string  `json:"generation"`
	Trim           *string  `json:"trim"`
	CarYear        *int     `json:"car_year" validate:"omitempty,gte=1900,lte=2100"`
	MileageKM      *int     `json:"mileage_km" validate:"omitempty,gte=0,lte=2147483647"`
	BodyType       *string  `json:"body_type"`
	EngineVolumeL  *float64 `json:"engine_volume_l" validate:"omitempty,gte=0,lt=100"`
	EngineType     *string  `json:"engine_type"`
	Transmission   *string  `json:"transmission"`
	Drivetrain     *string  `json:"drivetrain"`
	Steering       *string  `json:"steering"`
	Color          *string  `json:"color"`
	CustomsCleared *bool    `json:"customs_cleared"`
	SellerName     *string  `json:"seller_name"`
	SellerType     *string  `json:"seller_type"`
	SellerUserID   *int64   `json:"seller_user_id"`
	OptionsText    *string  `json:"options_text"`
	Photos         []string `json:"photos"`
}

// Counters holds the volatile per-observation measures excluded from change detection.
type Counters struct {
	Views      *int `json:"views,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
	PhotoCount *int `json:"photo_count,omitempty" validate:"omitempty,gte=0,lte=2147483647"`
}

// NormalizedRecord is the parser output for one fetched page.
type NormalizedRecord struct {
	EntityID int64 `json:"listing_id" validate:"required,gt=0"`
	Listing
	Counters
}

// CurrentState is the silver row holding the latest known attributes of a listing.
type CurrentState struct {
	EntityID int64 `json:"listing_id"`
	Listing
	Counters
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	IsActive    bool      `json:"is_active"`
	PayloadHash string    `json:"payload_hash"`
}

// DailySnapshot is the per-day silver observation of a listing.
type DailySnapshot struct {
	EntityID   int64     `json:"listing_id"`
	Day        time.Time `json:"snapshot_date"`
	Price      *int64    `json:"price"`
	IsActive   bool      `json:"is_active"`
	Views      *int      `json:"views"`
	PhotoCount *int      `json:"photo_count"`
	ObservedAt time.Time `json:"observed_at"`
}

// PriceEvent records one detected price change.
type PriceEvent struct {
	EntityID int64     `json:"listing_id"`
	EventTS  time.Time `json:"event_ts"`
	OldPrice int64     `json:"old_price"`
	NewPrice int64     `json:"new_price"`
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result of a page fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
