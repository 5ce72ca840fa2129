package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
)

var testNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestFetcher(opts ...Option) *Fetcher {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(network.NewHTTPTransport(nil), opts...)
}

func cachedItem(t *testing.T, etag string, stale bool) index.Item {
	t.Helper()
	item, err := index.NewItem("orders")
	require.NoError(t, err)
	item.Downloaded = testNow.Add(-2 * time.Hour)
	item.Expiration = testNow.Add(time.Hour)
	item.ETag = etag
	if stale {
		item.Stale(testNow.Add(-time.Minute))
	}
	return *item
}

func TestFetchDownloadsNewResource(t *testing.T) {
	expires := testNow.Add(30 * time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"e1"`)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Expires", expires.Format(http.TimeFormat))
		w.Header().Set(DefaultAttemptRefreshHeader, testNow.Add(10*time.Minute).Format(http.TimeFormat))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "item")
	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:      srv.URL + "/orders",
		FilePath: path,
		Headers:  map[string]string{"X-Api-Key": "token"},
	})

	require.Equal(t, http.StatusOK, res.Response.StatusCode)
	require.NotNil(t, res.Update)
	require.Equal(t, `"e1"`, res.Update.ETag)
	require.Equal(t, "application/json", res.Update.ContentType)
	require.True(t, res.Update.Expiration.Equal(expires))
	require.True(t, res.Update.AttemptToRefresh.Equal(testNow.Add(10*time.Minute)))
	require.True(t, res.Update.Downloaded.Equal(testNow))

	data, err := files.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, string(data))
}

func TestFetchKeepsStaleFileWhenETagMatches(t *testing.T) {
	var sawIfNoneMatch atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawIfNoneMatch.Store(r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"e1"`)
		w.Header().Set("Date", testNow.Add(-time.Second).Format(http.TimeFormat))
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "item")
	require.NoError(t, files.WriteFile(path, []byte("old")))

	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:      srv.URL + "/orders",
		FilePath: path,
		Item:     cachedItem(t, `"e1"`, true),
	})

	require.Equal(t, http.StatusOK, res.Response.StatusCode)
	require.Equal(t, `"e1"`, sawIfNoneMatch.Load())
	require.NotNil(t, res.Update)
	require.True(t, res.Update.Downloaded.Equal(testNow.Add(-time.Second)))
	require.True(t, res.Update.Expiration.Equal(testNow.Add(-time.Second).Add(time.Hour)))

	data, err := files.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
}

func TestFetchReplacesStaleFileWhenChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"e2"`)
		w.Header().Set("Last-Modified", testNow.Add(-time.Minute).Format(http.TimeFormat))
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "item")
	require.NoError(t, files.WriteFile(path, []byte("old")))

	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:               srv.URL + "/orders",
		FilePath:          path,
		Item:              cachedItem(t, `"e1"`, true),
		DefaultExpiration: 10 * time.Minute,
	})

	require.Equal(t, http.StatusOK, res.Response.StatusCode)
	require.Equal(t, `"e2"`, res.Update.ETag)
	require.True(t, res.Update.Expiration.Equal(testNow.Add(10*time.Minute)))

	data, err := files.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestFetchKeepsFileUnmodifiedSinceDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", testNow.Add(-3*time.Hour).Format(http.TimeFormat))
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "item")
	require.NoError(t, files.WriteFile(path, []byte("old")))

	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:      srv.URL + "/orders",
		FilePath: path,
		Item:     cachedItem(t, "", true),
	})
	require.Equal(t, http.StatusOK, res.Response.StatusCode)
	require.NotNil(t, res.Update)

	data, err := files.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
}

func TestFetchNotModifiedRefreshesMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", testNow.Format(http.TimeFormat))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "item")
	require.NoError(t, files.WriteFile(path, []byte("old")))

	item := cachedItem(t, `"e1"`, true)
	item.ContentType = "text/plain"
	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:      srv.URL + "/orders",
		FilePath: path,
		Item:     item,
	})

	require.Equal(t, http.StatusNotModified, res.Response.StatusCode)
	require.NotNil(t, res.Update)
	require.Equal(t, `"e1"`, res.Update.ETag)
	require.Equal(t, "text/plain", res.Update.ContentType)
	require.True(t, res.Update.Downloaded.Equal(testNow))
}

func TestFetchFailuresLeaveItemUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	f := newTestFetcher()
	dir := t.TempDir()

	res := f.Fetch(context.Background(), index.FetchRequest{URI: srv.URL + "/missing", FilePath: filepath.Join(dir, "a")})
	require.Equal(t, http.StatusNotFound, res.Response.StatusCode)
	require.Equal(t, "Get failed. Received HTTP 404 for "+srv.URL+"/missing", res.Response.Message)
	require.Nil(t, res.Update)
	require.True(t, res.Response.Expiration.Equal(testNow))

	res = f.Fetch(context.Background(), index.FetchRequest{URI: srv.URL + "/down", FilePath: filepath.Join(dir, "b")})
	require.Equal(t, http.StatusServiceUnavailable, res.Response.StatusCode)
	require.True(t, res.Response.Retryable())

	res = f.Fetch(context.Background(), index.FetchRequest{URI: srv.URL + "/empty", FilePath: filepath.Join(dir, "c")})
	require.Equal(t, http.StatusNoContent, res.Response.StatusCode)
	require.Nil(t, res.Update)
	require.False(t, files.Exists(filepath.Join(dir, "c")))
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res := newTestFetcher().Fetch(context.Background(), index.FetchRequest{
		URI:      srv.URL + "/slow",
		FilePath: filepath.Join(t.TempDir(), "item"),
		Timeout:  50 * time.Millisecond,
	})
	require.Equal(t, http.StatusRequestTimeout, res.Response.StatusCode)
	require.Nil(t, res.Update)
	require.Nil(t, res.Response.Err)
	require.True(t, res.Response.Expiration.IsZero())
}

func TestFetchLocalAndConnectivityFailures(t *testing.T) {
	f := newTestFetcher()

	res := f.Fetch(context.Background(), index.FetchRequest{
		URI:      "http://127.0.0.1:1/x",
		FilePath: filepath.Join(t.TempDir(), "a"),
		Headers:  map[string]string{"host": "evil"},
	})
	require.Equal(t, network.StatusLocalException, res.Response.StatusCode)
	require.ErrorIs(t, res.Response.Err, network.ErrHostHeader)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res = f.Fetch(context.Background(), index.FetchRequest{
		URI:      url + "/gone",
		FilePath: filepath.Join(t.TempDir(), "b"),
	})
	require.Equal(t, network.StatusNoResponse, res.Response.StatusCode)
	require.Nil(t, res.Update)
}

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write([]byte("shared"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	path := filepath.Join(t.TempDir(), "item")
	req := index.FetchRequest{URI: srv.URL + "/orders", FilePath: path}

	var wg sync.WaitGroup
	results := make([]index.FetchResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.Fetch(context.Background(), req)
		}(i)
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, hits.Load())
	for _, res := range results {
		require.Equal(t, http.StatusOK, res.Response.StatusCode)
	}
	_, err := os.Stat(path)
	require.NoError(t, err)
}
