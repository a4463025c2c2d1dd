// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

var _ crawler.Clock = (*Clock)(nil)

// Clock reads UTC wall time truncated to the microsecond, the finest
// resolution every task store round-trips.
type Clock struct {
	resolution time.Duration
}

// New returns a Clock with microsecond resolution.
func New() *Clock {
	return &Clock{resolution: time.Microsecond}
}

// Now returns the current UTC time. A zero Clock does not truncate.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.resolution > 0 {
		now = now.Truncate(c.resolution)
	}
	return now
}
