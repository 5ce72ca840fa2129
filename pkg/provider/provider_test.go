package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/restcache/pkg/background"
	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/cache/fetcher"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/queue"
	"github.com/valandreev/restcache/pkg/store"
	"github.com/valandreev/restcache/pkg/store/storetest"
	"github.com/valandreev/restcache/pkg/strategy"
)

const testBase = "https://api.test"

type widget struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type origin struct {
	mu      sync.Mutex
	list    []widget
	lists   int
	methods []string
}

func (o *origin) Do(_ context.Context, req network.Request) (*network.Reply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods = append(o.methods, req.Method+" "+req.URI)

	header := http.Header{"Content-Type": []string{"application/json"}}
	switch req.Method {
	case http.MethodGet:
		if req.URI != testBase+"/widgets" {
			return &network.Reply{StatusCode: http.StatusNotFound, Header: header}, nil
		}
		o.lists++
		body, _ := json.Marshal(o.list)
		return &network.Reply{StatusCode: http.StatusOK, Header: header, Body: body}, nil
	case http.MethodDelete:
		return &network.Reply{StatusCode: http.StatusOK, Header: header}, nil
	default:
		var w widget
		if err := json.Unmarshal(req.Body, &w); err != nil {
			return &network.Reply{StatusCode: http.StatusBadRequest, Header: header}, nil
		}
		w.Name += " (saved)"
		body, _ := json.Marshal(w)
		return &network.Reply{StatusCode: http.StatusOK, Header: header, Body: body}, nil
	}
}

func (o *origin) listCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lists
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

type env struct {
	backend store.Backend
	cache   string
	origin  *origin
	clock   *clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		backend: storetest.NewMemoryBackend(),
		cache:   t.TempDir(),
		origin:  &origin{list: []widget{{ID: "1", Name: "one"}, {ID: "2", Name: "two"}, {ID: "3", Name: "three"}}},
		clock:   &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
}

func (e *env) open(t *testing.T, opts ...Option[widget]) *Provider[widget] {
	t.Helper()
	f := fetcher.New(e.origin, fetcher.WithClock(e.clock.Now))
	reg := index.NewRegistry(index.RegistryConfig{CachePath: e.cache}, e.backend, nil, f,
		background.New(), failsafe.NewBreaker(), index.WithClock(e.clock.Now))
	d, err := strategy.NewDispatcher(reg, e.origin, strategy.WithClock(e.clock.Now))
	require.NoError(t, err)

	opts = append([]Option[widget]{WithClock[widget](e.clock.Now)}, opts...)
	p, err := New(context.Background(), Config[widget]{
		BaseURI:      testBase + "/",
		TypeName:     "Widget",
		ListEndpoint: "widgets",
		ObjectEndpoint: func(w widget) string {
			return "widgets/" + w.ID
		},
		Strategy: strategy.Cache,
		Queue:    queue.Config{Debounce: time.Hour},
	}, Deps{Registry: reg, Dispatcher: d, Transport: e.origin, Backend: e.backend}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProviderPutStoresCompletedObject(t *testing.T) {
	e := newEnv(t)
	p := e.open(t)
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, widget{ID: "7", Name: "seven"}))
	report := p.Sync(ctx)
	require.Len(t, report.Results, 1)
	require.Equal(t, queue.ResultCompleted, report.Results[0].Kind)
	require.Zero(t, p.Queue().Len())

	got, err := p.Get(ctx, "/widgets/7", network.Args{})
	require.NoError(t, err)
	assert.Equal(t, "seven (saved)", got.Name)

	records := p.Ledger().Records()
	require.Len(t, records, 1)
	assert.Equal(t, testBase+"/widgets/7", records[0].URI)
	assert.Equal(t, "PUT", records[0].Verb)

	// A fresh provider over the same storage reloads the object from the cache.
	reopened := e.open(t)
	got, err = reopened.Get(ctx, "widgets/7", network.Args{})
	require.NoError(t, err)
	assert.Equal(t, "seven (saved)", got.Name)
	for _, m := range e.origin.methods {
		assert.NotEqual(t, "GET "+testBase+"/widgets/7", m)
	}
}

func TestProviderGetListFiltersLocalDeletes(t *testing.T) {
	e := newEnv(t)
	p := e.open(t)
	ctx := context.Background()

	list, err := p.GetList(ctx, network.Args{})
	require.NoError(t, err)
	require.Len(t, list, 3)

	e.clock.Advance(time.Minute)
	require.NoError(t, p.Delete(ctx, widget{ID: "2"}))
	p.Sync(ctx)
	assert.True(t, p.Ledger().IsDeleted(testBase+"/widgets/2"))

	list, err = p.GetList(ctx, network.Args{})
	require.NoError(t, err)
	require.Equal(t, 1, e.origin.listCalls(), "list should come from the cache")
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "3", list[1].ID)

	// Once the list is downloaded after the delete, the ledger entry is dropped.
	e.clock.Advance(2 * time.Hour)
	list, err = p.GetList(ctx, network.Args{})
	require.NoError(t, err)
	require.Equal(t, 2, e.origin.listCalls())
	require.Len(t, list, 3)
	assert.Zero(t, p.Ledger().Len())
}

func TestProviderGetListFillsObjectCache(t *testing.T) {
	e := newEnv(t)
	p := e.open(t)
	ctx := context.Background()

	_, err := p.GetList(ctx, network.Args{})
	require.NoError(t, err)

	got, err := p.Get(ctx, "widgets/2", network.Args{})
	require.NoError(t, err)
	assert.Equal(t, "two", got.Name)
	assert.NotContains(t, e.origin.methods, "GET "+testBase+"/widgets/2")

	// Once the list copy expires the object is requested again.
	e.clock.Advance(2 * time.Hour)
	_, err = p.Get(ctx, "widgets/2", network.Args{})
	require.Error(t, err)
	assert.Contains(t, e.origin.methods, "GET "+testBase+"/widgets/2")
}

func TestProviderDeleteBlocksLaterWrites(t *testing.T) {
	e := newEnv(t)
	p := e.open(t)
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, widget{ID: "4", Name: "four"}))
	require.NoError(t, p.Delete(ctx, widget{ID: "4"}))
	err := p.Put(ctx, widget{ID: "4", Name: "again"})
	require.ErrorIs(t, err, queue.ErrPendingDelete)

	items := p.Queue().Items()
	require.Len(t, items, 1)
	assert.Equal(t, queue.VerbDelete, items[0].Verb)
	assert.Equal(t, "/widgets/4", items[0].Endpoint)
}

func TestProviderPostToListAndHook(t *testing.T) {
	e := newEnv(t)
	var seen []queue.ResultKind
	p := e.open(t, WithHook(func(_ context.Context, res queue.Result[widget]) {
		seen = append(seen, res.Kind)
	}))
	p.cfg.PostToList = true
	ctx := context.Background()

	require.NoError(t, p.Post(ctx, widget{ID: "9", Name: "nine"}))
	p.Sync(ctx)

	assert.Equal(t, []queue.ResultKind{queue.ResultCompleted}, seen)
	assert.Contains(t, e.origin.methods, "POST "+testBase+"/widgets")
	got, err := p.Get(ctx, "/widgets/9", network.Args{})
	require.NoError(t, err)
	assert.Equal(t, "nine (saved)", got.Name)
}

func TestProviderReloadsPendingOperations(t *testing.T) {
	e := newEnv(t)
	p := e.open(t)
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, widget{ID: "5", Name: "five"}))
	require.NoError(t, p.Close())

	reopened := e.open(t)
	require.Equal(t, 1, reopened.Queue().Len())
	report := reopened.Sync(ctx)
	require.Len(t, report.Results, 1)
	assert.Equal(t, queue.ResultCompleted, report.Results[0].Kind)
}

func TestProviderValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config[widget]{BaseURI: testBase}, Deps{})
	require.Error(t, err)
	_, err = New(context.Background(), Config[widget]{TypeName: "Widget"}, Deps{})
	require.Error(t, err)
	_, err = New(context.Background(), Config[widget]{TypeName: "Widget", BaseURI: testBase}, Deps{})
	require.Error(t, err)
}
