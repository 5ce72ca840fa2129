package strategy

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valandreev/restcache/pkg/background"
	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/cache/fetcher"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/store/storetest"
)

type countingTransport struct {
	mu       sync.Mutex
	requests []network.Request
}

func (c *countingTransport) Do(_ context.Context, req network.Request) (*network.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return &network.Reply{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"id":42}`),
	}, nil
}

func (c *countingTransport) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *countingTransport) last() network.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *countingTransport, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	transport := &countingTransport{}
	f := fetcher.New(transport, fetcher.WithClock(clk.Now))
	reg := index.NewRegistry(index.RegistryConfig{CachePath: t.TempDir()},
		storetest.NewMemoryBackend(), nil, f, background.New(), failsafe.NewBreaker(),
		index.WithClock(clk.Now))

	opts = append([]Option{WithClock(clk.Now)}, opts...)
	d, err := NewDispatcher(reg, transport, opts...)
	require.NoError(t, err)
	return d, transport, clk
}

func TestCacheStrategyHitsNetworkOnlyWhenExpired(t *testing.T) {
	d, transport, clk := newTestDispatcher(t, WithMemoryCache(8))
	ctx := context.Background()
	uri := "https://api.example.com/items/42.json"

	resp, err := d.Get(ctx, uri, Cache, network.Args{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status())
	require.Equal(t, `{"id":42}`, resp.Text())
	require.Equal(t, "items/42.json", resp.Data().RelativeURI)
	require.NotEmpty(t, resp.FileName())
	require.Equal(t, 1, transport.calls())

	for i := 0; i < 3; i++ {
		resp, err = d.Get(ctx, uri, Cache, network.Args{})
		require.NoError(t, err)
		require.Equal(t, `{"id":42}`, resp.Text())
	}
	require.Equal(t, 1, transport.calls(), "fresh cache must not touch the network")

	clk.Advance(time.Hour + time.Second)
	resp, err = d.Get(ctx, uri, Cache, network.Args{StaleMethod: network.StaleImmediate})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status())
	require.False(t, resp.Data().IsExpired)
	require.Equal(t, 2, transport.calls())
}

func TestCacheStrategyMergesInjectionHeaders(t *testing.T) {
	h := &network.Headers{}
	h.Set("https://api.example.com", map[string]string{"X-Tenant": "t1", "Authorization": "Bearer file"})
	d, transport, _ := newTestDispatcher(t, WithHeaders(h))

	_, err := d.Get(context.Background(), "https://api.example.com/items/1", Cache, network.Args{
		Headers: map[string]string{"authorization": "Bearer call"},
	})
	require.NoError(t, err)

	sent := transport.last().Header
	require.Equal(t, "t1", sent["X-Tenant"])
	require.Equal(t, "Bearer call", sent["authorization"])
	require.NotContains(t, sent, "Authorization")
}

func TestDirectStreamAlwaysRequests(t *testing.T) {
	d, transport, _ := newTestDispatcher(t)
	ctx := context.Background()
	uri := "https://api.example.com/live"

	for i := 0; i < 2; i++ {
		resp, err := d.Get(ctx, uri, DirectStream, network.Args{})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.Status())
		require.Equal(t, uri, resp.FileName())
		require.Equal(t, `{"id":42}`, string(resp.Bytes()))
	}
	require.Equal(t, 2, transport.calls())
}

func TestLocalFileStrategy(t *testing.T) {
	d, transport, _ := newTestDispatcher(t)
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	resp, err := d.Get(context.Background(), path, LocalFile, network.Args{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status())
	require.Equal(t, "local", resp.Text())

	missing, err := d.Get(context.Background(), path+".missing", LocalFile, network.Args{})
	require.NoError(t, err)
	require.Empty(t, missing.Bytes())
	require.Zero(t, transport.calls())
}

func TestMisuse(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Get(context.Background(), "", Cache, network.Args{})
	require.ErrorIs(t, err, ErrEmptyURI)

	_, err = d.Get(context.Background(), "https://api.example.com/x", Type(9), network.Args{})
	require.ErrorIs(t, err, ErrUnknownType)

	typ, err := ParseType("direct")
	require.NoError(t, err)
	require.Equal(t, DirectStream, typ)
	typ, err = ParseType("")
	require.NoError(t, err)
	require.Equal(t, Cache, typ)
	_, err = ParseType("ftp")
	require.ErrorIs(t, err, ErrUnknownType)
}
