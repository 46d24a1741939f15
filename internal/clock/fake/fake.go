// Package fake provides a deterministic clock for tests.
package fake

import (
	"sync"
	"time"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Clock returns a fixed instant that moves forward by Step on every call.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

var _ article.Clock = (*Clock)(nil)

// New starts the clock at start.
func New(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current fake time and advances it.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}
