// Package batch drives resolution over a list of records.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gnews-resolver/internal/article"
	"github.com/JakeFAU/gnews-resolver/internal/clock/system"
	"github.com/JakeFAU/gnews-resolver/internal/metrics"
)

// Record statuses reported to metrics.
const (
	statusResolved   = "resolved"
	statusUnresolved = "unresolved"
	statusPanicked   = "panicked"
)

// Summary describes a finished Process call.
type Summary struct {
	Input        int
	Enriched     []article.Enriched
	Outcomes     map[article.Outcome]int
	SinkFailures int
	Attempts     []article.Attempt
	// Cancelled is set when the context ended before every record was tried.
	Cancelled bool
}

// Processor resolves records one at a time, in input order.
type Processor struct {
	resolver article.Resolver
	sink     article.RecordSink
	attempts article.AttemptStore
	clock    article.Clock
	runID    string
	logger   *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithAttemptStore records every attempt in store. Store failures are logged
// and never stop the batch.
func WithAttemptStore(store article.AttemptStore) Option {
	return func(p *Processor) { p.attempts = store }
}

// WithClock overrides the wall clock.
func WithClock(clk article.Clock) Option {
	return func(p *Processor) { p.clock = clk }
}

// WithRunID tags attempts with runID.
func WithRunID(runID string) Option {
	return func(p *Processor) { p.runID = runID }
}

// New creates a Processor.
func New(resolver article.Resolver, sink article.RecordSink, logger *zap.Logger, opts ...Option) (*Processor, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if sink == nil {
		return nil, errors.New("record sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		resolver: resolver,
		sink:     sink,
		clock:    system.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process resolves records and returns the enriched ones in input order.
func (p *Processor) Process(ctx context.Context, records []article.Record) []article.Enriched {
	return p.Run(ctx, records).Enriched
}

// Run is Process with the full per-run accounting.
func (p *Processor) Run(ctx context.Context, records []article.Record) Summary {
	summary := Summary{
		Input:    len(records),
		Enriched: make([]article.Enriched, 0, len(records)),
		Outcomes: make(map[article.Outcome]int),
	}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("batch interrupted",
				zap.Int("processed", i),
				zap.Int("remaining", len(records)-i),
				zap.Error(err),
			)
			summary.Cancelled = true
			break
		}

		res := p.processOne(ctx, rec)
		summary.Outcomes[res.resolution.Outcome]++
		if res.sinkErr != nil {
			summary.SinkFailures++
		}
		if res.enriched != nil {
			summary.Enriched = append(summary.Enriched, *res.enriched)
		}
		summary.Attempts = append(summary.Attempts, res.attempt)
		p.storeAttempt(ctx, res.attempt)
	}

	p.logger.Info("batch processed",
		zap.Int("input", summary.Input),
		zap.Int("resolved", len(summary.Enriched)),
		zap.Int("sink_failures", summary.SinkFailures),
	)
	return summary
}

type recordResult struct {
	resolution article.Resolution
	enriched   *article.Enriched
	sinkErr    error
	attempt    article.Attempt
}

func (p *Processor) processOne(ctx context.Context, rec article.Record) (res recordResult) {
	logger := p.logger.With(zap.String("guid", rec.GUID), zap.String("title", rec.Title))
	started := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("record processing panicked", zap.Any("panic", r))
			metrics.ObserveRecord(statusPanicked)
			res = recordResult{resolution: article.Resolution{
				Outcome: article.OutcomeError,
				Err:     fmt.Errorf("record panic: %v", r),
			}}
		}
		res.attempt = p.attempt(rec, res.resolution, started)
	}()

	resolution := p.resolver.Resolve(ctx, rec.ViewerLink)
	res.resolution = resolution
	if !resolution.Resolved() {
		logger.Warn("record not resolved",
			zap.String("outcome", string(resolution.Outcome)),
			zap.Error(resolution.Err),
		)
		metrics.ObserveRecord(statusUnresolved)
		return res
	}

	if err := p.sink.MarkResolved(ctx, rec.GUID, resolution.PublisherURL); err != nil {
		logger.Error("update source row failed",
			zap.String("publisher_url", resolution.PublisherURL),
			zap.Error(err),
		)
		metrics.ObserveSinkUpdate("failed")
		res.sinkErr = err
	} else {
		metrics.ObserveSinkUpdate("ok")
	}

	metrics.ObserveRecord(statusResolved)
	metrics.ObservePublisherSite(resolution.PublisherURL)
	logger.Info("record resolved",
		zap.String("publisher_url", resolution.PublisherURL),
		zap.String("source", resolution.Source),
	)
	res.enriched = &article.Enriched{
		Record:       rec,
		PublisherURL: resolution.PublisherURL,
		Source:       resolution.Source,
	}
	return res
}

func (p *Processor) attempt(rec article.Record, res article.Resolution, started time.Time) article.Attempt {
	finished := p.clock.Now()
	a := article.Attempt{
		RunID:        p.runID,
		GUID:         rec.GUID,
		ViewerURL:    rec.ViewerLink,
		PublisherURL: res.PublisherURL,
		Source:       res.Source,
		Outcome:      res.Outcome,
		StatusCode:   res.StatusCode,
		AttemptedAt:  started,
		DurationMs:   finished.Sub(started).Milliseconds(),
	}
	if res.Err != nil {
		a.ErrorText = res.Err.Error()
	}
	return a
}

func (p *Processor) storeAttempt(ctx context.Context, a article.Attempt) {
	if p.attempts == nil {
		return
	}
	if err := p.attempts.StoreAttempt(ctx, a); err != nil {
		p.logger.Warn("store attempt failed", zap.String("guid", a.GUID), zap.Error(err))
	}
}
