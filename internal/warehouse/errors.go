package warehouse

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist, and by parsers when the
	// listing page signals removal.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when a queue row is no longer leased to the caller.
	ErrClaimLost = errors.New("queue claim lost")
	// ErrInvalidTransition is returned for state changes outside the queue state machine.
	ErrInvalidTransition = errors.New("invalid queue transition")
	// ErrConflict is returned when an insert hits a uniqueness constraint.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrBlocked marks responses recognized as captcha or challenge pages.
	ErrBlocked = errors.New("blocked by anti-automation page")
)

// ParseError reports content that could not be turned into a NormalizedRecord.
type ParseError struct {
	EntityID int64
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse listing %d: %s: %v", e.EntityID, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse listing %d: %s", e.EntityID, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err carries a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
