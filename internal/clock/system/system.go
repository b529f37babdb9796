// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements warehouse.Clock using time.Now and knows the site's calendar time zone.
type Clock struct {
	loc *time.Location
}

// New creates a Clock whose calendar days follow loc. A nil loc means UTC.
func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// NewInZone loads the named IANA zone and creates a Clock for it.
func NewInZone(name string) (*Clock, error) {
	if name == "" {
		return New(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	return New(loc), nil
}

// Now returns the current instant in UTC.
func (c *Clock) Now() time.Time {
	return time.Now().UTC()
}

// Location returns the calendar time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
