// Package memory contains an in-memory publisher used for dry runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Publisher stores published batches for inspection.
type Publisher struct {
	mu      sync.RWMutex
	batches [][]article.Enriched
	err     error
}

var _ article.Publisher = (*Publisher)(nil)

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent Publish calls return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records a copy of records.
func (p *Publisher) Publish(_ context.Context, records []article.Enriched) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]article.Enriched, len(records))
	copy(batch, records)
	p.batches = append(p.batches, batch)
	return nil
}

// Batches returns the recorded publishes.
func (p *Publisher) Batches() [][]article.Enriched {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][]article.Enriched, len(p.batches))
	copy(out, p.batches)
	return out
}
