// Package app wires the resolver components together and runs one batch.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/gnews-resolver/internal/article"
	"github.com/JakeFAU/gnews-resolver/internal/batch"
	"github.com/JakeFAU/gnews-resolver/internal/browser"
	"github.com/JakeFAU/gnews-resolver/internal/clock/system"
	"github.com/JakeFAU/gnews-resolver/internal/config"
	"github.com/JakeFAU/gnews-resolver/internal/id/uuid"
	"github.com/JakeFAU/gnews-resolver/internal/logging"
	"github.com/JakeFAU/gnews-resolver/internal/metrics"
	"github.com/JakeFAU/gnews-resolver/internal/publisher/memory"
	gpubsub "github.com/JakeFAU/gnews-resolver/internal/publisher/pubsub"
	"github.com/JakeFAU/gnews-resolver/internal/publisher/webhook"
	"github.com/JakeFAU/gnews-resolver/internal/report"
	"github.com/JakeFAU/gnews-resolver/internal/resolver"
	"github.com/JakeFAU/gnews-resolver/internal/sheets"
	"github.com/JakeFAU/gnews-resolver/internal/storage/gcs"
	"github.com/JakeFAU/gnews-resolver/internal/storage/local"
	memstore "github.com/JakeFAU/gnews-resolver/internal/storage/memory"
	"github.com/JakeFAU/gnews-resolver/internal/storage/postgres"
	"github.com/JakeFAU/gnews-resolver/internal/telemetry"
)

const defaultWrapUpTimeout = 30 * time.Second

// Deps are the collaborators of a run. Source, Sink and Resolver are
// required; a nil Publisher, Archive, Runs or Attempts disables that step.
type Deps struct {
	Source    article.RecordSource
	Sink      article.RecordSink
	Resolver  article.Resolver
	Publisher article.Publisher
	Archive   article.BlobStore
	Runs      article.RunStore
	Attempts  article.AttemptStore
	Clock     article.Clock
	IDs       article.IDGenerator

	ArchivePrefix  string
	PushgatewayURL string
	MetricsJob     string
	DryRun         bool
	// WrapUpTimeout bounds publishing and report persistence, which run even
	// after the run context is cancelled.
	WrapUpTimeout  time.Duration
}

// App runs resolution batches.
type App struct {
	deps    Deps
	logger  *zap.Logger
	closers []func() error
}

// NewWithDeps builds an App from ready-made collaborators.
func NewWithDeps(deps Deps, logger *zap.Logger) (*App, error) {
	if deps.Source == nil || deps.Sink == nil || deps.Resolver == nil {
		return nil, errors.New("source, sink and resolver are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.WrapUpTimeout <= 0 {
		deps.WrapUpTimeout = defaultWrapUpTimeout
	}
	return &App{deps: deps, logger: logger}, nil
}

// New builds every collaborator from cfg. With dryRun set, the sheet is read
// but never written, and nothing is published or persisted.
func New(ctx context.Context, cfg config.Config, dryRun bool, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	deps, err := a.build(ctx, cfg, dryRun)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.deps = deps
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, dryRun bool) (Deps, error) {
	logger := a.logger
	deps := Deps{
		Clock:          system.New(),
		IDs:            uuid.New(),
		ArchivePrefix:  cfg.Archive.Prefix,
		PushgatewayURL: cfg.Metrics.PushgatewayURL,
		MetricsJob:     cfg.Metrics.Job,
		DryRun:         dryRun,
		WrapUpTimeout:  defaultWrapUpTimeout,
	}
	if cfg.Publish.Webhook.Timeout > 0 {
		deps.WrapUpTimeout = cfg.Publish.Webhook.Timeout
	}

	store, err := sheets.New(ctx, sheets.Config{
		CredentialsFile:  cfg.Sheets.CredentialsFile,
		SpreadsheetID:    cfg.Sheets.SpreadsheetID,
		Range:            cfg.Sheets.Range,
		Columns:          cfg.Sheets.Columns,
		GUIDColumn:       cfg.Sheets.GUIDColumn,
		LinkColumn:       cfg.Sheets.LinkColumn,
		TitleColumn:      cfg.Sheets.TitleColumn,
		PublisherColumn:  cfg.Sheets.PublisherColumn,
		HeaderRows:       cfg.Sheets.HeaderRows,
		ValueInputOption: cfg.Sheets.ValueInputOption,
	}, logger.Named("sheets"))
	if err != nil {
		return Deps{}, fmt.Errorf("init sheets: %w", err)
	}
	deps.Source = store
	deps.Sink = store

	opener, closeOpener := newOpener(cfg.Browser, logger.Named("browser"))
	a.closers = append(a.closers, closeOpener)
	res, err := resolver.New(opener,
		resolver.BuildRules(cfg.Resolver.Selectors, cfg.Resolver.Attribute),
		resolver.Config{
			NavigationTimeout:    cfg.Resolver.NavigationTimeout,
			SelectorTimeout:      cfg.Resolver.SelectorTimeout,
			SettleDelay:          cfg.Resolver.SettleDelay,
			IgnoreHosts:          cfg.Resolver.IgnoreHosts,
			NavigationsPerSecond: cfg.Resolver.NavigationsPerSecond,
		},
		logger.Named("resolver"),
	)
	if err != nil {
		return Deps{}, fmt.Errorf("init resolver: %w", err)
	}
	deps.Resolver = res

	if dryRun {
		logger.Info("dry run: sheet updates, publishing and persistence are disabled")
		deps.Sink = dryRunSink{logger: logger.Named("sink")}
		deps.Publisher = memory.New()
		ledger := memstore.NewLedger()
		deps.Runs, deps.Attempts = ledger, ledger
		deps.Archive = memstore.NewBlobStore()
		return deps, nil
	}

	if deps.Publisher, err = a.newPublisher(ctx, cfg.Publish); err != nil {
		return Deps{}, err
	}
	if deps.Archive, err = a.newArchive(ctx, cfg.Archive); err != nil {
		return Deps{}, err
	}
	if cfg.DB.DSN != "" {
		ledger, err := postgres.NewLedger(ctx, postgres.LedgerConfig{DSN: cfg.DB.DSN, Table: cfg.DB.Table})
		if err != nil {
			return Deps{}, fmt.Errorf("init ledger: %w", err)
		}
		a.closers = append(a.closers, func() error { ledger.Close(); return nil })
		if err := ledger.EnsureSchema(ctx); err != nil {
			return Deps{}, err
		}
		deps.Runs, deps.Attempts = ledger, ledger
	}
	return deps, nil
}

func newOpener(cfg config.BrowserConfig, logger *zap.Logger) (article.PageOpener, func() error) {
	bcfg := browser.Config{
		ExecPath:       cfg.ExecPath,
		Headless:       cfg.Headless,
		UserAgent:      cfg.UserAgent,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		ExtraFlags:     cfg.ExtraFlags,
		Cookies:        cfg.Cookies,
	}
	if cfg.SessionPerRecord {
		return browser.NewLauncher(bcfg, logger), func() error { return nil }
	}
	lazy := browser.NewLazy(bcfg, logger)
	return lazy, lazy.Close
}

func (a *App) newPublisher(ctx context.Context, cfg config.PublishConfig) (article.Publisher, error) {
	switch cfg.Kind {
	case config.PublishWebhook:
		pub, err := webhook.New(cfg.Webhook.URL, cfg.Webhook.Timeout, a.logger.Named("webhook"))
		if err != nil {
			return nil, fmt.Errorf("init webhook publisher: %w", err)
		}
		return pub, nil
	case config.PublishPubSub:
		pub, err := gpubsub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		return pub, nil
	default:
		return nil, nil
	}
}

func (a *App) newArchive(ctx context.Context, cfg config.ArchiveConfig) (article.BlobStore, error) {
	switch cfg.Kind {
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

// Run executes one batch: fetch, resolve, publish, then record the report.
// Only a failed source read is returned as an error.
func (a *App) Run(ctx context.Context) (article.RunReport, error) {
	runID, err := a.deps.IDs.NewID()
	if err != nil {
		return article.RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := logging.WithRun(a.logger, runID)
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "resolver.run")
	span.SetAttributes(attribute.String("run.id", runID), attribute.Bool("run.dry_run", a.deps.DryRun))
	defer span.End()
	rep := article.RunReport{
		RunID:     runID,
		StartedAt: a.deps.Clock.Now(),
		Outcomes:  map[article.Outcome]int{},
		DryRun:    a.deps.DryRun,
	}
	if a.deps.Runs != nil {
		if err := a.deps.Runs.StartRun(ctx, runID, rep.StartedAt); err != nil {
			logger.Warn("record run start failed", zap.Error(err))
		}
	}

	records, err := a.deps.Source.FetchUnprocessed(ctx)
	if err != nil {
		logger.Error("read records failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "read records failed")
		rep.FetchError = err.Error()
		rep.FinishedAt = a.deps.Clock.Now()
		wrapCtx, cancel := a.wrapUpContext(ctx)
		defer cancel()
		a.finish(wrapCtx, logger, rep)
		return rep, fmt.Errorf("fetch records: %w", err)
	}
	logger.Info("run started", zap.Int("records", len(records)))

	proc, err := batch.New(a.deps.Resolver, a.deps.Sink, logger.Named("batch"),
		batch.WithAttemptStore(a.deps.Attempts),
		batch.WithClock(a.deps.Clock),
		batch.WithRunID(runID),
	)
	if err != nil {
		return rep, err
	}
	summary := proc.Run(ctx, records)
	rep.Input = summary.Input
	rep.Resolved = len(summary.Enriched)
	rep.Outcomes = summary.Outcomes
	rep.SinkFailures = summary.SinkFailures
	rep.Attempts = summary.Attempts

	// Publishing and persistence still run when ctx was cancelled mid-batch.
	wrapCtx, cancel := a.wrapUpContext(ctx)
	defer cancel()
	a.publish(wrapCtx, logger, summary.Enriched, &rep)
	span.SetAttributes(
		attribute.Int("run.input", rep.Input),
		attribute.Int("run.resolved", rep.Resolved),
		attribute.Bool("run.published", rep.Published),
	)

	rep.FinishedAt = a.deps.Clock.Now()
	a.finish(wrapCtx, logger, rep)

	logger.Info("run finished",
		zap.Int("processed", rep.Resolved),
		zap.Int("input", rep.Input),
		zap.Bool("published", rep.Published),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return rep, nil
}

// wrapUpContext detaches from the run's cancellation but keeps its values and
// bounds the remaining work.
func (a *App) wrapUpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.deps.WrapUpTimeout
	if timeout <= 0 {
		timeout = defaultWrapUpTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (a *App) publish(ctx context.Context, logger *zap.Logger, enriched []article.Enriched, rep *article.RunReport) {
	switch {
	case len(enriched) == 0:
		logger.Info("no records resolved, skipping publish")
		return
	case a.deps.Publisher == nil:
		logger.Info("publishing disabled", zap.Int("records", len(enriched)))
		return
	}
	if err := a.deps.Publisher.Publish(ctx, enriched); err != nil {
		logger.Error("publish failed", zap.Int("records", len(enriched)), zap.Error(err))
		metrics.ObservePublish("failed")
		rep.PublishError = err.Error()
		return
	}
	metrics.ObservePublish("ok")
	rep.Published = true
}

// finish persists the report. Every step is best effort.
func (a *App) finish(ctx context.Context, logger *zap.Logger, rep article.RunReport) {
	if a.deps.Archive != nil {
		uri, err := report.Archive(ctx, a.deps.Archive, a.deps.ArchivePrefix, rep)
		if err != nil {
			logger.Warn("archive run report failed", zap.Error(err))
		} else {
			logger.Info("run report archived", zap.String("uri", uri))
		}
	}
	if a.deps.Runs != nil {
		if err := a.deps.Runs.FinishRun(ctx, rep); err != nil {
			logger.Warn("record run finish failed", zap.Error(err))
		}
	}

	metrics.MarkRunFinished(rep.FinishedAt)
	if a.deps.PushgatewayURL != "" {
		instance, _ := os.Hostname()
		if err := metrics.Push(a.deps.PushgatewayURL, a.deps.MetricsJob, instance); err != nil {
			logger.Warn("push metrics failed", zap.Error(err))
		}
	}
}

// Close releases the browser and any clients opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// dryRunSink logs the row update it would have made.
type dryRunSink struct {
	logger *zap.Logger
}

func (s dryRunSink) MarkResolved(_ context.Context, guid, publisherURL string) error {
	s.logger.Info("dry run: would update row",
		zap.String("guid", guid),
		zap.String("publisher_url", publisherURL),
	)
	return nil
}
