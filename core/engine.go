// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/background"
	"github.com/valandreev/restcache/pkg/cache"
	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/cache/fetcher"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/cache/scheduler"
	"github.com/valandreev/restcache/pkg/delta"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/queue"
	"github.com/valandreev/restcache/pkg/store"
	"github.com/valandreev/restcache/pkg/store/bbolt"
	"github.com/valandreev/restcache/pkg/strategy"
)

var engineLog = log.GetLogger("engine")

// DatabaseFileName is the bbolt file below the session directory.
const DatabaseFileName = "restcache.db"

// Engine wires every component of the cache together.
type Engine struct {
	Config *cache.Config

	indexBackend   store.Backend
	sessionBackend store.Backend
	closers        []io.Closer
	cipher         *store.Cipher
	transport      network.Transport
	headers        *network.Headers
	breaker        *failsafe.Breaker
	idle           *background.Queue
	fetcher        *fetcher.Fetcher
	registry       *index.Registry
	dispatcher     *strategy.Dispatcher
	scheduler      *scheduler.Scheduler
	triggers       chan scheduler.Trigger
	staleMethod    network.StaleMethod
	now            func() time.Time

	mu     sync.Mutex
	queues map[string]QueueStatus
}

// QueueStatus is the view of a transaction queue the engine reports on.
type QueueStatus interface {
	TypeName() string
	Len() int
}

// EngineOption customises engine construction.
type EngineOption func(*Engine)

// WithTransport replaces the HTTP transport.
func WithTransport(t network.Transport) EngineOption {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine builds an engine from a finished config.
func NewEngine(ctx context.Context, config *cache.Config, opts ...EngineOption) (e *Engine, err error) {
	if config == nil {
		return nil, errors.New("engine: config is required")
	}
	e = &Engine{
		Config:   config,
		triggers: make(chan scheduler.Trigger, 1),
		now:      time.Now,
		queues:   make(map[string]QueueStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	defer func() {
		if err != nil {
			_ = e.closeBackends()
		}
	}()

	if e.staleMethod, err = network.ParseStaleMethod(config.Fetch.StaleMethod); err != nil {
		return nil, err
	}
	if err = e.openStore(); err != nil {
		return nil, err
	}

	if config.HeadersFile != "" {
		if e.headers, err = network.LoadHeaders(config.HeadersFile); err != nil {
			return nil, err
		}
	}

	if e.transport == nil {
		clientCfg := network.ClientConfig{}
		if config.OAuth2.Enabled() {
			clientCfg.OAuth2 = &clientcredentials.Config{
				ClientID:     config.OAuth2.ClientID,
				ClientSecret: config.OAuth2.ClientSecret,
				TokenURL:     config.OAuth2.TokenURL,
				Scopes:       config.OAuth2.Scopes,
			}
		}
		e.transport = network.NewHTTPTransport(network.NewClient(clientCfg))
	}

	e.breaker = failsafe.NewBreaker(failsafe.WithClock(e.now))
	e.idle = background.New()
	e.fetcher = fetcher.New(e.transport,
		fetcher.WithClock(e.now),
		fetcher.WithMaxConcurrent(config.Fetch.MaxConcurrent),
		fetcher.WithAttemptRefreshHeader(config.Fetch.AttemptRefreshHeader))
	e.registry = index.NewRegistry(index.RegistryConfig{
		CachePath:             config.CacheDir,
		CaseSensitive:         config.CaseSensitive,
		SerializationInterval: config.SerializationInterval(),
		BatchSize:             config.Prefetch.BatchSize,
	}, e.indexBackend, e.cipher, e.fetcher, e.idle, e.breaker, index.WithClock(e.now))

	dispatchOpts := []strategy.Option{strategy.WithHeaders(e.headers), strategy.WithClock(e.now)}
	if config.Fetch.MemoryCacheEntries > 0 {
		dispatchOpts = append(dispatchOpts, strategy.WithMemoryCache(config.Fetch.MemoryCacheEntries))
	}
	if e.dispatcher, err = strategy.NewDispatcher(e.registry, e.transport, dispatchOpts...); err != nil {
		return nil, err
	}

	e.scheduler, err = scheduler.New(scheduler.Config{
		Interval:        config.PrefetchInterval(),
		CleanDelay:      config.PrefetchCleanDelay(),
		DisablePrefetch: config.Prefetch.Disable,
	}, e.registry)
	if err != nil {
		return nil, err
	}

	for _, uri := range config.Indexes {
		if _, err = e.registry.Add(ctx, uri); err != nil {
			return nil, fmt.Errorf("engine: open index %s: %w", uri, err)
		}
	}
	return e, nil
}

func (e *Engine) openStore() error {
	if key := e.Config.Store.EncryptionKey; key != "" {
		c, err := store.NewCipher(key)
		if err != nil {
			return err
		}
		e.cipher = c
	}

	switch e.Config.Store.Backend {
	case cache.StoreBackendBBolt:
		db, err := bbolt.Open(filepath.Join(e.Config.SessionDir, DatabaseFileName), bbolt.Options{})
		if err != nil {
			return err
		}
		e.closers = append(e.closers, db)
		e.indexBackend = db
		e.sessionBackend = db
	default:
		e.indexBackend = store.NewFileBackend(e.Config.CacheDir)
		e.sessionBackend = store.NewFileBackend(e.Config.SessionDir)
	}
	return nil
}

// Registry returns the cache index registry.
func (e *Engine) Registry() *index.Registry { return e.registry }

// Dispatcher returns the strategy dispatcher.
func (e *Engine) Dispatcher() *strategy.Dispatcher { return e.dispatcher }

// Breaker returns the prefetch breaker.
func (e *Engine) Breaker() *failsafe.Breaker { return e.breaker }

// Idle returns the background task queue.
func (e *Engine) Idle() *background.Queue { return e.idle }

// Transport returns the transport used for every origin.
func (e *Engine) Transport() network.Transport { return e.transport }

// Args returns request options carrying the configured defaults.
func (e *Engine) Args() network.Args {
	return network.Args{
		StaleMethod: e.staleMethod,
		Timeout:     e.Config.FetchTimeout(),
		Expiration:  e.Config.DefaultExpiration(),
	}
}

// Get retrieves uri with the given strategy. Zero timeout and expiration in
// args take the configured defaults.
func (e *Engine) Get(ctx context.Context, uri string, t strategy.Type, args network.Args) (strategy.Response, error) {
	if args.Timeout <= 0 {
		args.Timeout = e.Config.FetchTimeout()
	}
	if args.Expiration <= 0 {
		args.Expiration = e.Config.DefaultExpiration()
	}
	return e.dispatcher.Get(ctx, uri, t, args)
}

// TriggerMaintenance asks the background scheduler for an immediate pass.
// It reports false when a pass is already waiting.
func (e *Engine) TriggerMaintenance() bool {
	select {
	case e.triggers <- scheduler.Trigger{Reason: scheduler.TriggerReasonManual}:
		return true
	default:
		return false
	}
}

// RunMaintenance runs one clean and prefetch pass on the calling goroutine
// and waits for the scheduled work to finish.
func (e *Engine) RunMaintenance(ctx context.Context) (scheduler.Report, error) {
	report, err := e.scheduler.RunOnce(ctx, scheduler.Trigger{Reason: scheduler.TriggerReasonManual})
	if err != nil {
		return report, err
	}
	e.idle.Drain(ctx)
	return report, nil
}

// Start runs the background queue, the maintenance scheduler and, when an
// address is configured, the status server until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(e.idle.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(e.scheduler.RunBackground(ctx, e.triggers))
	})

	if addr := e.Config.StatusAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           e.StatusHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          engineLog.StdLogger(),
		}
		g.Go(func() error {
			engineLog.Info().Str("addr", addr).Msg("Status server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("engine: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// RegisterQueue makes a queue visible to status reporting.
func (e *Engine) RegisterQueue(q QueueStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[strings.ToLower(q.TypeName())] = q
}

// Queues returns the registered queues sorted by type name.
func (e *Engine) Queues() []QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueueStatus, 0, len(e.queues))
	for _, q := range e.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeName() < out[j].TypeName() })
	return out
}

// RawQueue opens the persisted queue of typeName without knowing its
// payload type. Automatic draining is off.
func (e *Engine) RawQueue(ctx context.Context, typeName string) (*queue.Queue[json.RawMessage], error) {
	q, err := queue.New[json.RawMessage](e.queueConfig(typeName), e.transport, e.sessionBackend, e.cipher, nil,
		queue.WithHeaders[json.RawMessage](e.headers), queue.WithClock[json.RawMessage](e.now))
	if err != nil {
		return nil, err
	}
	q.SetEnabled(false)
	if _, err := q.Load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ledger opens the delta ledger of typeName.
func (e *Engine) Ledger(ctx context.Context, typeName string) (*delta.Ledger, error) {
	if typeName == "" {
		return nil, errors.New("engine: type name is required")
	}
	return delta.Open(ctx, store.NewList[delta.Record](e.sessionBackend, delta.DocumentName(typeName), e.cipher))
}

func (e *Engine) queueConfig(typeName string) queue.Config {
	return queue.Config{
		TypeName:             typeName,
		DequeueOnError:       e.Config.Queue.DequeueOnError,
		Debounce:             e.Config.QueueDebounce(),
		ResponseTimeout:      e.Config.QueueResponseTimeout(),
		AttemptRefreshHeader: e.Config.Fetch.AttemptRefreshHeader,
	}
}

// Close flushes every index and releases the document store.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.registry != nil {
		errs = append(errs, e.registry.Close(ctx))
	}
	errs = append(errs, e.closeBackends())
	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
