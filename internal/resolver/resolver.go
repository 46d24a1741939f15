// Package resolver extracts the publisher URL behind a Google News viewer link.
//
// A resolution navigates a fresh browser page to the viewer URL, waits for
// client-side scripts to settle, then walks an ordered list of selector rules.
// The first rule yielding a non-empty value wins. When no rule matches, the
// page location is used if the browser was redirected off the viewer host.
// Every failure is folded into the returned article.Resolution.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gnews-resolver/internal/article"
	"github.com/JakeFAU/gnews-resolver/internal/metrics"
)

var (
	// ErrNoResponse indicates the navigation produced no document response.
	ErrNoResponse = errors.New("navigation returned no response")
	// ErrHTTPStatus indicates the document response carried a status >= 400.
	ErrHTTPStatus = errors.New("navigation returned error status")
)

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultSelectorTimeout   = 5 * time.Second
)

// Config controls resolution timing and redirect acceptance.
type Config struct {
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	SettleDelay       time.Duration
	// IgnoreHosts are never accepted as a redirect target.
	IgnoreHosts          []string
	NavigationsPerSecond float64
}

// Resolver implements article.Resolver on top of browser pages.
type Resolver struct {
	opener      article.PageOpener
	rules       []Rule
	cfg         Config
	ignoreHosts map[string]struct{}
	limiter     *rate.Limiter
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a Resolver. An empty rule list falls back to DefaultSelectors.
func New(opener article.PageOpener, rules []Rule, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if opener == nil {
		return nil, fmt.Errorf("page opener is required")
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(rules) == 0 {
		rules = BuildRules(DefaultSelectors, "href")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = defaultSelectorTimeout
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreHosts))
	for _, h := range cfg.IgnoreHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			ignore[h] = struct{}{}
		}
	}
	var limiter *rate.Limiter
	if cfg.NavigationsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.NavigationsPerSecond), 1)
	}
	return &Resolver{
		opener:      opener,
		rules:       rules,
		cfg:         cfg,
		ignoreHosts: ignore,
		limiter:     limiter,
		logger:      logger,
		sleep:       sleepContext,
	}, nil
}

// Resolve returns the publisher URL behind viewerURL. It never panics and
// reports every failure through the Outcome of the returned Resolution.
func (r *Resolver) Resolve(ctx context.Context, viewerURL string) (res article.Resolution) {
	start := time.Now()
	logger := r.logger.With(zap.String("viewer_url", viewerURL))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("resolution panicked", zap.Any("panic", p))
			res = article.Resolution{Outcome: article.OutcomeError, Err: fmt.Errorf("resolver panic: %v", p)}
		}
		metrics.ObserveResolution(string(res.Outcome), time.Since(start))
	}()

	if err := r.waitTurn(ctx); err != nil {
		logger.Error("navigation slot wait failed", zap.Error(err))
		return article.Resolution{Outcome: article.OutcomeError, Err: err}
	}

	page, err := r.opener.OpenPage(ctx)
	if err != nil {
		logger.Error("open page failed", zap.Error(err))
		return article.Resolution{Outcome: article.OutcomeError, Err: fmt.Errorf("open page: %w", err)}
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logger.Warn("close page failed", zap.Error(cerr))
		}
	}()

	return r.resolveOnPage(ctx, page, viewerURL, logger)
}

func (r *Resolver) resolveOnPage(
	ctx context.Context,
	page article.Page,
	viewerURL string,
	logger *zap.Logger,
) article.Resolution {
	logger.Info("navigating")
	nav, err := r.navigate(ctx, page, viewerURL)
	if err != nil {
		logger.Error("navigation failed", zap.Int("status", nav.StatusCode), zap.Error(err))
		return article.Resolution{Outcome: article.OutcomeNavigationError, StatusCode: nav.StatusCode, Err: err}
	}

	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		logger.Error("settle interrupted", zap.Error(err))
		return article.Resolution{Outcome: article.OutcomeError, StatusCode: nav.StatusCode, Err: err}
	}

	if value, selector, ok := r.applyRules(ctx, page, logger); ok {
		metrics.ObserveSelectorHit(selector)
		logger.Info("publisher url found by selector",
			zap.String("selector", selector),
			zap.String("publisher_url", value),
		)
		return article.Resolution{
			PublisherURL: value,
			Source:       selector,
			Outcome:      article.OutcomeSelector,
			StatusCode:   nav.StatusCode,
		}
	}
	if err := ctx.Err(); err != nil {
		logger.Error("resolution canceled", zap.Error(err))
		return article.Resolution{Outcome: article.OutcomeError, StatusCode: nav.StatusCode, Err: err}
	}

	if location, ok := r.fromRedirect(ctx, page, viewerURL, logger); ok {
		logger.Info("publisher url found from redirect", zap.String("publisher_url", location))
		return article.Resolution{
			PublisherURL: location,
			Source:       article.SourceRedirect,
			Outcome:      article.OutcomeRedirect,
			StatusCode:   nav.StatusCode,
		}
	}

	logger.Warn("publisher url not found")
	return article.Resolution{Outcome: article.OutcomeExhausted, StatusCode: nav.StatusCode}
}

func (r *Resolver) navigate(ctx context.Context, page article.Page, viewerURL string) (article.Navigation, error) {
	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	defer cancel()

	nav, err := page.Navigate(navCtx, viewerURL)
	switch {
	case err != nil:
		return nav, fmt.Errorf("navigate: %w", err)
	case nav.StatusCode == 0:
		return nav, ErrNoResponse
	case nav.StatusCode >= 400:
		return nav, fmt.Errorf("%w: %d", ErrHTTPStatus, nav.StatusCode)
	}
	return nav, nil
}

// applyRules walks the rules in order and stops at the first non-empty value.
func (r *Resolver) applyRules(ctx context.Context, page article.Page, logger *zap.Logger) (string, string, bool) {
	for _, rule := range r.rules {
		if ctx.Err() != nil {
			return "", "", false
		}
		ruleCtx, cancel := context.WithTimeout(ctx, r.cfg.SelectorTimeout)
		value, err := rule.Extract(ruleCtx, page, rule.Selector)
		cancel()
		if err != nil {
			logger.Debug("selector failed", zap.String("selector", rule.Selector), zap.Error(err))
			continue
		}
		if value != "" {
			return value, rule.Selector, true
		}
	}
	return "", "", false
}

// fromRedirect accepts the page location when the browser left the viewer host.
func (r *Resolver) fromRedirect(
	ctx context.Context,
	page article.Page,
	viewerURL string,
	logger *zap.Logger,
) (string, bool) {
	locCtx, cancel := context.WithTimeout(ctx, r.cfg.SelectorTimeout)
	defer cancel()

	location, err := page.Location(locCtx)
	if err != nil {
		logger.Debug("read page location failed", zap.Error(err))
		return "", false
	}
	if !r.isPublisherLocation(location, viewerURL) {
		return "", false
	}
	return location, true
}

func (r *Resolver) isPublisherLocation(location, viewerURL string) bool {
	loc, err := url.Parse(strings.TrimSpace(location))
	if err != nil || (loc.Scheme != "http" && loc.Scheme != "https") {
		return false
	}
	host := strings.ToLower(loc.Hostname())
	if host == "" {
		return false
	}
	if _, ignored := r.ignoreHosts[host]; ignored {
		return false
	}
	if viewer, err := url.Parse(viewerURL); err == nil && strings.EqualFold(viewer.Hostname(), host) {
		return false
	}
	return true
}

func (r *Resolver) waitTurn(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	}
}
