// Package system provides the wall clock used by the frontier.
package system

import (
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Clock implements frontier.Clock using time.Now in UTC.
type Clock struct{}

var _ frontier.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
