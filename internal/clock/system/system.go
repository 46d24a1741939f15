// Package system provides the wall clock used by the runner.
package system

import (
	"time"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Clock reads the wall clock in UTC.
type Clock struct{}

var _ article.Clock = Clock{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
