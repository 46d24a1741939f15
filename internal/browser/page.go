package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Page is a browser tab implementing article.Page.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	// owner is closed with the page when the page was opened by a Launcher.
	owner *Session

	closeOnce sync.Once
	closeErr  error
}

func newPage(tabCtx context.Context, cancel context.CancelFunc) *Page {
	return &Page{ctx: tabCtx, cancel: cancel}
}

// Navigate loads url and returns once DOMContentLoaded fired, along with the
// status of the main document response.
func (p *Page) Navigate(ctx context.Context, url string) (article.Navigation, error) {
	doc := newDocumentWatcher()
	listenCtx, stopListening := context.WithCancel(p.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, doc.handle)

	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := cdppage.Navigate(url).Do(ctx)
		switch {
		case err != nil:
			return fmt.Errorf("navigate: %w", err)
		case errorText != "":
			return fmt.Errorf("page load error %s", errorText)
		}
		return doc.wait(ctx)
	}))
	return doc.navigation(), err
}

// Count returns the number of elements currently matching selector.
func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0))); err != nil {
		return 0, fmt.Errorf("query %q: %w", selector, err)
	}
	return len(nodes), nil
}

// Attribute reads name from the first element matching selector. A missing
// attribute yields an empty string.
func (p *Page) Attribute(ctx context.Context, selector, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	if err := p.run(ctx, chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("attribute %s of %q: %w", name, selector, err)
	}
	if !ok {
		return "", nil
	}
	return value, nil
}

// Location returns the current document URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return location, nil
}

// Close closes the tab and, for launcher pages, the owning browser.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.owner != nil {
			p.closeErr = p.owner.Close()
		}
	})
	return p.closeErr
}

// run executes actions on the tab, bounded by the caller's deadline and
// cancellation.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	return chromedp.Run(runCtx, actions...)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// prepareTab enables response events and applies the desktop profile.
func prepareTab(cfg Config) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if err := emulation.SetUserAgentOverride(cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(
			int64(cfg.ViewportWidth),
			int64(cfg.ViewportHeight),
			1,
			false,
		).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// documentWatcher captures the first document response of a navigation and
// signals DOMContentLoaded.
type documentWatcher struct {
	mu     sync.Mutex
	seen   bool
	status int
	url    string

	ready     chan struct{}
	readyOnce sync.Once
}

func newDocumentWatcher() *documentWatcher {
	return &documentWatcher{ready: make(chan struct{})}
}

func (w *documentWatcher) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		w.mu.Lock()
		if !w.seen {
			w.seen = true
			w.status = int(e.Response.Status)
			w.url = e.Response.URL
		}
		w.mu.Unlock()
	case *cdppage.EventDomContentEventFired:
		w.readyOnce.Do(func() { close(w.ready) })
	}
}

func (w *documentWatcher) wait(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for DOMContentLoaded: %w", ctx.Err())
	}
}

func (w *documentWatcher) navigation() article.Navigation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return article.Navigation{StatusCode: w.status, URL: w.url}
}
