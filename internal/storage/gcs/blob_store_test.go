package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "reports-bucket"})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsReport(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotPath string
		gotName string
		gotBody string
	)
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotName = r.URL.Query().Get("name")
		gotBody = string(body)
		mu.Unlock()
		fmt.Fprintln(w, `{"name":"reports/run-1.json","bucket":"reports-bucket"}`)
	}))

	uri, err := store.PutObject(context.Background(), "/reports/run-1.json", "application/json", []byte(`{"run_id":"run-1"}`))

	require.NoError(t, err)
	require.Equal(t, "gs://reports-bucket/reports/run-1.json", uri)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, strings.HasSuffix(gotPath, "/b/reports-bucket/o"), gotPath)
	require.Equal(t, "reports/run-1.json", gotName)
	require.Contains(t, gotBody, `{"run_id":"run-1"}`)
	require.Contains(t, gotBody, "application/json")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))

	_, err := store.PutObject(context.Background(), "reports/run-1.json", "", []byte("{}"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "", nil)
	require.Error(t, err)
}
