package queue

import (
	"fmt"
	"time"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// OutcomeKind classifies the result of one fetch-and-parse attempt.
type OutcomeKind string

const (
	// OutcomeSuccess means the page was fetched and parsed.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeTransient covers timeouts, rate limits, 5xx, blocking pages and other retryable errors.
	OutcomeTransient OutcomeKind = "transient"
	// OutcomeNotFound means the listing no longer exists.
	OutcomeNotFound OutcomeKind = "not_found"
	// OutcomeParseFailure means the content could not be parsed.
	OutcomeParseFailure OutcomeKind = "parse_failure"
)

// Outcome is what a worker reports for a claimed item.
type Outcome struct {
	Kind       OutcomeKind
	HTTPStatus int
	Err        error
}

// Policy bounds retries.
type Policy struct {
	MaxAttempts       int
	ParseFailureLimit int
	Backoff           *Backoff
}

var allowed = map[warehouse.QueueState][]warehouse.QueueState{
	warehouse.StateNew:     {warehouse.StateFetched, warehouse.StateRetry, warehouse.StateInactive},
	warehouse.StateRetry:   {warehouse.StateFetched, warehouse.StateRetry, warehouse.StateFailed, warehouse.StateInactive},
	warehouse.StateFetched: {warehouse.StateFetched, warehouse.StateInactive},
}

// Allowed reports whether a fetch outcome may move an item from one state to another.
// Terminal states have no outgoing edges; only Reenqueue leaves them.
func Allowed(from, to warehouse.QueueState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next applies an outcome to item and returns the resulting row. The claim is released.
func (p Policy) Next(item warehouse.QueueItem, outcome Outcome, now time.Time) (warehouse.QueueItem, error) {
	if item.State.Terminal() || !item.State.Valid() {
		return item, fmt.Errorf("%w: %s accepts no fetch outcome", warehouse.ErrInvalidTransition, item.State)
	}
	next := item
	next.LastAttemptAt = &now
	next.ClaimedBy = ""
	next.ClaimedUntil = nil
	if outcome.HTTPStatus > 0 {
		status := outcome.HTTPStatus
		next.LastHTTPStatus = &status
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		next.State = warehouse.StateFetched
		next.NextRetryAt = nil
		next.LastError = nil
		next.ParseFailures = 0
	case OutcomeNotFound:
		next.State = warehouse.StateInactive
		next.NextRetryAt = nil
		next.LastError = errText(outcome.Err, "not found")
	case OutcomeTransient, OutcomeParseFailure:
		next.LastError = errText(outcome.Err, string(outcome.Kind))
		if outcome.Kind == OutcomeParseFailure {
			next.ParseFailures++
		}
		if item.State == warehouse.StateFetched {
			// A failed revisit keeps the last good state.
			break
		}
		next.Attempts++
		if item.State == warehouse.StateRetry && p.exhausted(next) {
			next.State = warehouse.StateFailed
			next.NextRetryAt = nil
			break
		}
		next.State = warehouse.StateRetry
		retryAt := now.Add(p.Backoff.Delay(next.Attempts))
		next.NextRetryAt = &retryAt
	default:
		return item, fmt.Errorf("%w: unknown outcome %q", warehouse.ErrInvalidTransition, outcome.Kind)
	}

	if !Allowed(item.State, next.State) {
		return item, fmt.Errorf("%w: %s -> %s", warehouse.ErrInvalidTransition, item.State, next.State)
	}
	return next, nil
}

func (p Policy) exhausted(item warehouse.QueueItem) bool {
	if p.MaxAttempts > 0 && item.Attempts >= p.MaxAttempts {
		return true
	}
	return p.ParseFailureLimit > 0 && item.ParseFailures >= p.ParseFailureLimit
}

func errText(err error, fallback string) *string {
	msg := fallback
	if err != nil {
		msg = err.Error()
	}
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return &msg
}
