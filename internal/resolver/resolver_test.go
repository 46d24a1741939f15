package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

const viewer = "https://news.google.com/rss/articles/abc"

type fakePage struct {
	mu         sync.Mutex
	nav        article.Navigation
	navErr     error
	counts     map[string]int
	countErrs  map[string]error
	attrs      map[string]string
	attrErrs   map[string]error
	location   string
	panicOn    string
	queried    []string
	closed     int
	navigated  []string
	locationed bool
	// attrBudgets holds the time left on each Attribute call's context, or
	// -1 when the context carried no deadline.
	attrBudgets []time.Duration
}

func (p *fakePage) Navigate(_ context.Context, url string) (article.Navigation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return p.nav, p.navErr
}

func (p *fakePage) Count(_ context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == p.panicOn {
		panic("stale node")
	}
	p.queried = append(p.queried, selector)
	if err := p.countErrs[selector]; err != nil {
		return 0, err
	}
	return p.counts[selector], nil
}

func (p *fakePage) Attribute(ctx context.Context, selector, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	budget := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}
	p.attrBudgets = append(p.attrBudgets, budget)
	if err := p.attrErrs[selector]; err != nil {
		return "", err
	}
	return p.attrs[selector], nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locationed = true
	return p.location, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeOpener struct {
	page *fakePage
	err  error
}

func (o *fakeOpener) OpenPage(context.Context) (article.Page, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.page, nil
}

func newTestResolver(t *testing.T, page *fakePage, logger *zap.Logger) *Resolver {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := New(&fakeOpener{page: page}, nil, Config{
		IgnoreHosts: []string{"news.google.com", "consent.google.com"},
	}, logger)
	require.NoError(t, err)
	return r
}

func okNav() article.Navigation {
	return article.Navigation{StatusCode: 200, URL: viewer}
}

func TestResolveFirstMatchingSelectorWins(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		nav: okNav(),
		counts: map[string]int{
			`a[jscontroller]`:         3,
			`c-wiz a[rel="nofollow"]`: 1,
		},
		attrs: map[string]string{
			`a[jscontroller]`:         "https://publisher.example/story",
			`c-wiz a[rel="nofollow"]`: "https://other.example/story",
		},
		location: "https://elsewhere.example/",
	}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeSelector, res.Outcome)
	require.Equal(t, "https://publisher.example/story", res.PublisherURL)
	require.Equal(t, `a[jscontroller]`, res.Source)
	require.Equal(t, []string{`link[rel="alternate"]`, `a[jsname="hXwDdf"]`, `a[jscontroller]`}, page.queried)
	require.False(t, page.locationed, "redirect fallback must not run after a selector match")
	require.Equal(t, 1, page.closed)
}

func TestResolveSkipsFailingAndEmptySelectors(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		nav: okNav(),
		counts: map[string]int{
			`a[jsname="hXwDdf"]`:     1,
			`a[jscontroller]`:        1,
			`div[jsname="gKDw6b"] a`: 2,
		},
		countErrs: map[string]error{
			`link[rel="alternate"]`: errors.New("node is stale"),
		},
		attrErrs: map[string]error{
			`a[jsname="hXwDdf"]`: context.DeadlineExceeded,
		},
		attrs: map[string]string{
			`a[jscontroller]`:        "   ",
			`div[jsname="gKDw6b"] a`: "https://last.example/a",
		},
	}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeSelector, res.Outcome)
	require.Equal(t, "https://last.example/a", res.PublisherURL)
	require.Equal(t, `div[jsname="gKDw6b"] a`, res.Source)
	require.Len(t, page.queried, len(DefaultSelectors))
}

func TestResolveFallsBackToRedirect(t *testing.T) {
	t.Parallel()

	page := &fakePage{nav: okNav(), location: "https://siteB.example/news/1"}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeRedirect, res.Outcome)
	require.Equal(t, article.SourceRedirect, res.Source)
	require.Equal(t, "https://siteB.example/news/1", res.PublisherURL)
}

func TestResolveIgnoresViewerAndConsentHosts(t *testing.T) {
	t.Parallel()

	for _, loc := range []string{
		"https://news.google.com/articles/abc?hl=en",
		"https://consent.google.com/ml?continue=x",
		"about:blank",
		"chrome-error://chromewebdata/",
		"",
	} {
		page := &fakePage{nav: okNav(), location: loc}
		r := newTestResolver(t, page, nil)

		res := r.Resolve(context.Background(), viewer)

		require.Equal(t, article.OutcomeExhausted, res.Outcome, "location %q", loc)
		require.False(t, res.Resolved())
	}
}

func TestResolveHTTPErrorSkipsSelectors(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		nav:    article.Navigation{StatusCode: 404, URL: viewer},
		counts: map[string]int{`link[rel="alternate"]`: 1},
		attrs:  map[string]string{`link[rel="alternate"]`: "https://siteA.com/art1"},
	}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeNavigationError, res.Outcome)
	require.Equal(t, 404, res.StatusCode)
	require.ErrorIs(t, res.Err, ErrHTTPStatus)
	require.Empty(t, page.queried)
	require.False(t, page.locationed)
	require.Equal(t, 1, page.closed)
}

func TestResolveNoResponseIsNavigationError(t *testing.T) {
	t.Parallel()

	page := &fakePage{nav: article.Navigation{}}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeNavigationError, res.Outcome)
	require.ErrorIs(t, res.Err, ErrNoResponse)
}

func TestResolveNavigateErrorIsNavigationError(t *testing.T) {
	t.Parallel()

	page := &fakePage{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	r := newTestResolver(t, page, nil)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeNavigationError, res.Outcome)
	require.Empty(t, page.queried)
}

func TestResolveOpenPageFailure(t *testing.T) {
	t.Parallel()

	r, err := New(&fakeOpener{err: errors.New("browser gone")}, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, article.OutcomeError, res.Outcome)
	require.False(t, res.Resolved())
}

func TestResolveRecoversPanicAndClosesPage(t *testing.T) {
	t.Parallel()

	page := &fakePage{nav: okNav(), panicOn: `link[rel="alternate"]`}
	r := newTestResolver(t, page, nil)

	var res article.Resolution
	require.NotPanics(t, func() {
		res = r.Resolve(context.Background(), viewer)
	})
	require.Equal(t, article.OutcomeError, res.Outcome)
	require.Equal(t, 1, page.closed)
}

func TestResolveSettleHonorsCancellation(t *testing.T) {
	t.Parallel()

	page := &fakePage{nav: okNav(), location: "https://siteB.example/"}
	r := newTestResolver(t, page, nil)
	r.cfg.SettleDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Resolve(ctx, viewer)

	require.Equal(t, article.OutcomeError, res.Outcome)
	require.Empty(t, page.queried)
}

func TestResolveSettleWaitsBeforeSelectors(t *testing.T) {
	t.Parallel()

	page := &fakePage{nav: okNav(), location: "https://siteB.example/"}
	r := newTestResolver(t, page, nil)
	r.cfg.SettleDelay = 2 * time.Second
	var slept time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		require.Empty(t, page.queried, "selectors ran before settle")
		return nil
	}

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, 2*time.Second, slept)
	require.Equal(t, article.OutcomeRedirect, res.Outcome)
}

func TestResolveLogsExhaustionAsWarningAndNavigationAsError(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	exhausted := newTestResolver(t, &fakePage{nav: okNav()}, logger)
	exhausted.Resolve(context.Background(), viewer)
	failed := newTestResolver(t, &fakePage{nav: article.Navigation{StatusCode: 500}}, logger)
	failed.Resolve(context.Background(), viewer)

	warn := logs.FilterMessage("publisher url not found").All()
	require.Len(t, warn, 1)
	require.Equal(t, zapcore.WarnLevel, warn[0].Level)

	navErr := logs.FilterMessage("navigation failed").All()
	require.Len(t, navErr, 1)
	require.Equal(t, zapcore.ErrorLevel, navErr[0].Level)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, Config{}, nil)
	require.Error(t, err)

	_, err = New(&fakeOpener{}, nil, Config{SettleDelay: -time.Second}, nil)
	require.Error(t, err)

	r, err := New(&fakeOpener{}, nil, Config{NavigationsPerSecond: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, defaultNavigationTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, defaultSelectorTimeout, r.cfg.SelectorTimeout)
	require.Len(t, r.rules, len(DefaultSelectors))
	require.NotNil(t, r.limiter)
}

func TestBuildRulesSkipsBlankSelectors(t *testing.T) {
	t.Parallel()

	rules := BuildRules([]string{" a.one ", "", "  "}, "")
	require.Len(t, rules, 1)
	require.Equal(t, "a.one", rules[0].Selector)
}

func TestResolveBoundsEachSelectorRead(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		nav:    okNav(),
		counts: map[string]int{`link[rel="alternate"]`: 1, `a[jscontroller]`: 1},
		attrs:  map[string]string{`a[jscontroller]`: "https://siteC.com/story"},
	}
	r, err := New(&fakeOpener{page: page}, nil, Config{
		SelectorTimeout: 3 * time.Second,
		IgnoreHosts:     []string{"news.google.com"},
	}, zap.NewNop())
	require.NoError(t, err)

	res := r.Resolve(context.Background(), viewer)

	require.Equal(t, "https://siteC.com/story", res.PublisherURL)
	require.Len(t, page.attrBudgets, 2)
	for _, budget := range page.attrBudgets {
		require.Greater(t, int64(budget), int64(0), "attribute read must run under a deadline")
		require.LessOrEqual(t, int64(budget), int64(3*time.Second))
	}
}
