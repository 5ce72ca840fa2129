package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "gopkg.in/check.v1"

	"github.com/valandreev/restcache/pkg/cache"
	"github.com/valandreev/restcache/pkg/strategy"
)

type StatusSuite struct {
	engine  *Engine
	handler http.Handler
}

var _ = Suite(&StatusSuite{})

func (s *StatusSuite) SetUpTest(t *C) {
	config, err := cache.DefaultConfig(t.MkDir(), t.MkDir())
	t.Assert(err, IsNil)
	clock := &fixedClock{now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}

	s.engine, err = NewEngine(context.Background(), config, WithTransport(&fakeOrigin{}), WithClock(clock.Now))
	t.Assert(err, IsNil)
	s.handler = s.engine.StatusHandler()

	_, err = s.engine.Get(context.Background(), "https://api.example.com/items/1", strategy.Cache, s.engine.Args())
	t.Assert(err, IsNil)
}

func (s *StatusSuite) TearDownTest(t *C) {
	t.Assert(s.engine.Close(context.Background()), IsNil)
}

func (s *StatusSuite) serve(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func (s *StatusSuite) TestHealthz(t *C) {
	rec := s.serve(http.MethodGet, "/healthz")
	t.Assert(rec.Code, Equals, http.StatusOK)
	t.Assert(rec.Body.String(), Equals, "ok")
}

func (s *StatusSuite) TestIndexes(t *C) {
	rec := s.serve(http.MethodGet, "/indexes")
	t.Assert(rec.Code, Equals, http.StatusOK)

	var indexes []indexStatus
	t.Assert(json.Unmarshal(rec.Body.Bytes(), &indexes), IsNil)
	t.Assert(indexes, HasLen, 1)
	t.Assert(indexes[0].Key, Equals, "api_example_com")
	t.Assert(indexes[0].BaseURI, Equals, "https://api.example.com")
	t.Assert(indexes[0].Items, Equals, 1)
}

func (s *StatusSuite) TestIndexItems(t *C) {
	rec := s.serve(http.MethodGet, "/indexes/api_example_com/items")
	t.Assert(rec.Code, Equals, http.StatusOK)

	var items []itemStatus
	t.Assert(json.Unmarshal(rec.Body.Bytes(), &items), IsNil)
	t.Assert(items, HasLen, 1)
	t.Assert(items[0].RelativeURI, Equals, "items/1")
	t.Assert(items[0].Expired, Equals, false)

	rec = s.serve(http.MethodGet, "/indexes/unknown/items")
	t.Assert(rec.Code, Equals, http.StatusNotFound)
}

func (s *StatusSuite) TestStatusAndMaintenance(t *C) {
	rec := s.serve(http.MethodGet, "/status")
	t.Assert(rec.Code, Equals, http.StatusOK)

	var status engineStatus
	t.Assert(json.Unmarshal(rec.Body.Bytes(), &status), IsNil)
	t.Assert(status.Breaker.Enabled, Equals, true)
	t.Assert(status.Indexes, HasLen, 1)

	t.Assert(s.serve(http.MethodPost, "/maintenance").Code, Equals, http.StatusAccepted)
	t.Assert(s.serve(http.MethodPost, "/maintenance").Code, Equals, http.StatusConflict)
}
