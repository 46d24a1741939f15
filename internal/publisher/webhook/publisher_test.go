package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

func enriched(guid, url string) article.Enriched {
	return article.Enriched{
		Record: article.Record{
			Title:      "Title " + guid,
			ViewerLink: "https://news.google.com/rss/articles/" + guid,
			GUID:       guid,
			Fields:     map[string]string{"isoDate": "2024-01-01T00:00:00Z"},
		},
		PublisherURL: url,
	}
}

func TestPublishPostsProcessedArticles(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		gotMethod string
		gotType   string
		gotBody   map[string][]map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub, err := New(srv.URL, 5*time.Second, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), []article.Enriched{enriched("g1", "https://siteA.com/art1")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, http.MethodPost, gotMethod)
	require.Contains(t, gotType, "application/json")
	require.Len(t, gotBody["processed_articles"], 1)
	first := gotBody["processed_articles"][0]
	require.Equal(t, "g1", first["guid"])
	require.Equal(t, "https://siteA.com/art1", first["publisher_url"])
	require.Equal(t, "https://news.google.com/rss/articles/g1", first["original_link"])
	require.Equal(t, "2024-01-01T00:00:00Z", first["isoDate"])
}

func TestPublishNon2xxIsStatusError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	pub, err := New(srv.URL, time.Second, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), []article.Enriched{enriched("g1", "https://a.example")})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	require.Equal(t, "upstream down", statusErr.Body)
	require.EqualValues(t, 1, calls.Load(), "webhook must not be retried")
}

func TestPublishRedirectStatusIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	pub, err := New(srv.URL, time.Second, nil)
	require.NoError(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, pub.Publish(context.Background(), nil), &statusErr)
}

func TestPublishTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	pub, err := New(url, time.Second, nil)
	require.NoError(t, err)
	require.Error(t, pub.Publish(context.Background(), nil))
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New("", time.Second, nil)
	require.Error(t, err)
}

func TestPublishErrorBodyKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	body := "a" + strings.Repeat("é", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	pub, err := New(srv.URL, time.Second, nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), []article.Enriched{enriched("g1", "https://a.example")})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.True(t, utf8.ValidString(statusErr.Body))
	require.Len(t, statusErr.Body, maxBodyInError-1)
	require.True(t, strings.HasPrefix(body, statusErr.Body))
}

func TestTruncateBody(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, truncateBody(tc.in, tc.limit), tc.in)
	}
}
