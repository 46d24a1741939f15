// Package browser manages headless Chrome sessions used to resolve viewer links.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// DefaultUserAgent is a desktop Chrome UA; Google News serves the full viewer
// markup to it.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

// ErrSessionClosed is returned when a page is requested from a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// Cookie is seeded into the browser before any navigation.
type Cookie struct {
	Name   string `mapstructure:"name"`
	Value  string `mapstructure:"value"`
	Domain string `mapstructure:"domain"`
	Path   string `mapstructure:"path"`
}

// DefaultCookies accept the Google consent interstitial up front.
func DefaultCookies() []Cookie {
	return []Cookie{
		{Name: "CONSENT", Value: "YES+1", Domain: ".google.com", Path: "/"},
		{Name: "CONSENT", Value: "YES+1", Domain: ".news.google.com", Path: "/"},
	}
}

// Config controls how the browser process is launched.
type Config struct {
	ExecPath       string
	Headless       bool
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	ExtraFlags     []string
	Cookies        []Cookie
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
	return c
}

// Session owns one browser process and its browsing context. Close must be
// called on every exit path; it is idempotent.
type Session struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Acquire launches a browser, seeds the consent cookies and returns the session.
// The browser process is torn down before returning if any step fails.
func Acquire(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	s := &Session{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	if err := chromedp.Run(browserCtx, seedCookies(cfg.Cookies)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Debug("browser session started",
		zap.Bool("headless", cfg.Headless),
		zap.Int("cookies", len(cfg.Cookies)),
	)
	return s, nil
}

// Close kills the browser process. Subsequent calls are no-ops.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := chromedp.Cancel(s.browserCtx)
	s.browserCancel()
	s.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	s.logger.Debug("browser session closed")
	return nil
}

// OpenPage opens a new tab in the session's browser.
func (s *Session) OpenPage(ctx context.Context) (article.Page, error) {
	return s.openPage(ctx)
}

func (s *Session) openPage(ctx context.Context) (*Page, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}

	// The first Run on a tab context creates the target, so it must not carry
	// a per-call deadline.
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	p := newPage(tabCtx, tabCancel)
	if err := chromedp.Run(tabCtx, prepareTab(s.cfg)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return p, nil
}

// Launcher opens every page in its own freshly acquired session, so each
// resolution gets a brand-new browser process.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// OpenPage acquires a new session and returns a page that closes it.
func (l *Launcher) OpenPage(ctx context.Context) (article.Page, error) {
	session, err := Acquire(ctx, l.cfg, l.logger)
	if err != nil {
		return nil, err
	}
	p, err := session.openPage(ctx)
	if err != nil {
		if cerr := session.Close(); cerr != nil {
			l.logger.Warn("close browser session failed", zap.Error(cerr))
		}
		return nil, err
	}
	p.owner = session
	return p, nil
}

// Lazy shares one Session across every page, launching it on the first
// OpenPage so runs with nothing to resolve never start a browser.
type Lazy struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	session *Session
	closed  bool
}

// NewLazy creates a Lazy session.
func NewLazy(cfg Config, logger *zap.Logger) *Lazy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lazy{cfg: cfg, logger: logger}
}

// OpenPage opens a tab in the shared session, acquiring it if needed.
func (l *Lazy) OpenPage(ctx context.Context) (article.Page, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if l.session == nil {
		session, err := Acquire(ctx, l.cfg, l.logger)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.session = session
	}
	session := l.session
	l.mu.Unlock()
	return session.OpenPage(ctx)
}

// Close releases the shared session if one was started.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.session == nil {
		return nil
	}
	return l.session.Close()
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.NoSandbox,
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, flag := range cfg.ExtraFlags {
		name, value := parseFlag(flag)
		if name != "" {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

// parseFlag turns "--name=value" or "name" into a chromedp flag pair.
func parseFlag(raw string) (string, any) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	if name, value, ok := strings.Cut(raw, "="); ok {
		return name, value
	}
	return raw, true
}

func seedCookies(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			path := c.Path
			if path == "" {
				path = "/"
			}
			if err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(path).
				Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s for %s: %w", c.Name, c.Domain, err)
			}
		}
		return nil
	})
}
