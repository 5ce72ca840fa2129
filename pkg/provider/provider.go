// Package provider ties a transaction queue, its delta ledger and the cache
// together for one business type.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/delta"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/queue"
	"github.com/valandreev/restcache/pkg/store"
	"github.com/valandreev/restcache/pkg/strategy"
)

// ErrNoData is returned when a list request produced no payload.
var ErrNoData = errors.New("provider: no data")

// Logger defines the logging surface used by providers.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config describes one business type.
type Config[T any] struct {
	BaseURI  string
	TypeName string
	// ListEndpoint is the endpoint of the collection, relative to BaseURI.
	ListEndpoint string
	// PostToList sends POSTs to ListEndpoint instead of the object endpoint.
	PostToList bool
	// ObjectEndpoint returns the endpoint of an object, relative to BaseURI.
	ObjectEndpoint func(T) string
	Strategy       strategy.Type
	// Headers are added to every POST, PUT and DELETE.
	Headers map[string]string
	Queue   queue.Config
}

// Deps are the shared collaborators a provider needs.
type Deps struct {
	Registry   *index.Registry
	Dispatcher *strategy.Dispatcher
	Transport  network.Transport
	Backend    store.Backend
	Cipher     *store.Cipher
	Headers    *network.Headers
}

// Option customises provider construction.
type Option[T any] func(*Provider[T])

// WithCodec sets the object codec. JSON is the default.
func WithCodec[T any](c queue.Codec[T]) Option[T] {
	return func(p *Provider[T]) {
		p.codec = c
	}
}

// WithListCodec sets the collection codec. JSON is the default.
func WithListCodec[T any](c queue.Codec[[]T]) Option[T] {
	return func(p *Provider[T]) {
		p.listCodec = c
	}
}

// WithHook registers a callback run after every transaction attempt.
func WithHook[T any](hook func(ctx context.Context, res queue.Result[T])) Option[T] {
	return func(p *Provider[T]) {
		p.hooks = append(p.hooks, hook)
	}
}

// WithLogger overrides the default logger.
func WithLogger[T any](logger Logger) Option[T] {
	return func(p *Provider[T]) {
		p.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(p *Provider[T]) {
		p.now = now
	}
}

// Provider is the offline data access point for one business type.
type Provider[T any] struct {
	cfg       Config[T]
	deps      Deps
	queue     *queue.Queue[T]
	ledger    *delta.Ledger
	codec     queue.Codec[T]
	listCodec queue.Codec[[]T]
	hooks     []func(ctx context.Context, res queue.Result[T])
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	objects map[string]*queue.Operation[T]
}

// New opens the queue and ledger of cfg.TypeName, reloads the objects the
// ledger marks as changed from the cache and re-enqueues persisted
// operations.
func New[T any](ctx context.Context, cfg Config[T], deps Deps, opts ...Option[T]) (*Provider[T], error) {
	if cfg.TypeName == "" {
		return nil, errors.New("provider: type name is required")
	}
	if cfg.BaseURI == "" {
		return nil, errors.New("provider: base uri is required")
	}
	if deps.Backend == nil || deps.Transport == nil {
		return nil, errors.New("provider: backend and transport are required")
	}
	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	cfg.ListEndpoint = normalizeEndpoint(cfg.ListEndpoint)

	p := &Provider[T]{
		cfg:       cfg,
		deps:      deps,
		codec:     queue.JSONCodec[T]{},
		listCodec: queue.JSONCodec[[]T]{},
		logger:    log.GetLogger("provider"),
		now:       time.Now,
		objects:   make(map[string]*queue.Operation[T]),
	}
	for _, opt := range opts {
		opt(p)
	}

	ledger, err := delta.Open(ctx, store.NewList[delta.Record](deps.Backend, delta.DocumentName(cfg.TypeName), deps.Cipher))
	if err != nil {
		return nil, err
	}
	p.ledger = ledger

	qcfg := cfg.Queue
	qcfg.BaseURI = cfg.BaseURI
	qcfg.TypeName = cfg.TypeName
	q, err := queue.New[T](qcfg, deps.Transport, deps.Backend, deps.Cipher, p.codec,
		queue.WithObserver[T](p), queue.WithHeaders[T](deps.Headers), queue.WithClock[T](p.now))
	if err != nil {
		return nil, err
	}
	p.queue = q

	if deps.Registry != nil && cfg.Strategy == strategy.Cache {
		p.reloadChanged(ctx)
	}
	if _, err := q.Load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Queue returns the provider's transaction queue.
func (p *Provider[T]) Queue() *queue.Queue[T] { return p.queue }

// Ledger returns the provider's delta ledger.
func (p *Provider[T]) Ledger() *delta.Ledger { return p.ledger }

// AbsoluteURI resolves an endpoint against the base uri.
func (p *Provider[T]) AbsoluteURI(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return p.cfg.BaseURI + normalizeEndpoint(endpoint)
}

// normalizeEndpoint gives non-empty endpoints exactly one leading slash.
func normalizeEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	return "/" + strings.TrimLeft(endpoint, "/")
}

// Post queues the creation of obj.
func (p *Provider[T]) Post(ctx context.Context, obj T) error {
	op := p.operation(queue.VerbPost, obj)
	if p.cfg.PostToList {
		op.PostEndpoint = p.cfg.ListEndpoint
	}
	return p.queue.Enqueue(ctx, op)
}

// Put queues the update of obj.
func (p *Provider[T]) Put(ctx context.Context, obj T) error {
	return p.queue.Enqueue(ctx, p.operation(queue.VerbPut, obj))
}

// Delete queues the removal of obj.
func (p *Provider[T]) Delete(ctx context.Context, obj T) error {
	return p.queue.Enqueue(ctx, p.operation(queue.VerbDelete, obj))
}

func (p *Provider[T]) operation(verb queue.Verb, obj T) *queue.Operation[T] {
	endpoint := ""
	if p.cfg.ObjectEndpoint != nil {
		endpoint = normalizeEndpoint(p.cfg.ObjectEndpoint(obj))
	}
	op := queue.NewOperation(verb, endpoint, obj)
	if len(p.cfg.Headers) > 0 {
		op.Headers = network.MergeHeaders(nil, p.cfg.Headers)
	}
	return op
}

// Sync drains the transaction queue.
func (p *Provider[T]) Sync(ctx context.Context) queue.DrainReport[T] {
	return p.queue.AttemptNext(ctx)
}

// OnResult keeps the cache, the ledger and the object cache in step with
// completed transactions.
func (p *Provider[T]) OnResult(ctx context.Context, res queue.Result[T]) {
	defer func() {
		for _, hook := range p.hooks {
			hook(ctx, res)
		}
	}()
	if res.Kind != queue.ResultCompleted || res.Completed == nil {
		return
	}

	done := res.Completed
	uri := p.AbsoluteURI(done.Endpoint)

	if p.cfg.Strategy == strategy.Cache && p.deps.Registry != nil {
		if done.Verb != queue.VerbDelete {
			if err := p.store(ctx, uri, done); err != nil {
				p.logger.Errorf("provider %s: cache %s: %v", p.cfg.TypeName, uri, err)
			}
		}
		if err := p.ledger.Record(ctx, uri, string(done.Verb), p.now()); err != nil {
			p.logger.Errorf("provider %s: ledger %s: %v", p.cfg.TypeName, uri, err)
		}
	}

	p.mu.Lock()
	if done.Verb == queue.VerbDelete {
		delete(p.objects, strings.ToLower(uri))
	} else {
		done.LazyLoaded = true
		p.objects[strings.ToLower(uri)] = done
	}
	p.mu.Unlock()
}

func (p *Provider[T]) store(ctx context.Context, uri string, op *queue.Operation[T]) error {
	data, err := p.codec.Marshal(op.Payload)
	if err != nil {
		return err
	}
	x, err := p.deps.Registry.GetFromURI(ctx, uri)
	if err != nil {
		return err
	}
	_, err = x.Store(ctx, uri, data, op.Expiration, op.AttemptToRefresh)
	return err
}

// Get returns the object at endpoint, from memory while a completed
// transaction or a list read left a current copy, else through the
// provider's strategy.
func (p *Provider[T]) Get(ctx context.Context, endpoint string, args network.Args) (T, error) {
	var zero T
	uri := p.AbsoluteURI(endpoint)

	p.mu.Lock()
	op, ok := p.objects[strings.ToLower(uri)]
	p.mu.Unlock()
	if ok && p.current(op) {
		return op.Payload, nil
	}

	if p.deps.Dispatcher == nil {
		return zero, errors.New("provider: dispatcher is not configured")
	}
	resp, err := p.deps.Dispatcher.Get(ctx, uri, p.cfg.Strategy, p.requestArgs(args))
	if err != nil {
		return zero, err
	}
	if len(resp.Bytes()) == 0 {
		return zero, fmt.Errorf("%w: %s returned %d", ErrNoData, uri, resp.Status())
	}
	return p.codec.Unmarshal(resp.Bytes())
}

// GetList fetches the collection, forgets ledger records the response
// already reflects and drops objects deleted locally.
func (p *Provider[T]) GetList(ctx context.Context, args network.Args) ([]T, error) {
	if p.deps.Dispatcher == nil {
		return nil, errors.New("provider: dispatcher is not configured")
	}
	uri := p.AbsoluteURI(p.cfg.ListEndpoint)
	resp, err := p.deps.Dispatcher.Get(ctx, uri, p.cfg.Strategy, p.requestArgs(args))
	if err != nil {
		return nil, err
	}
	if len(resp.Bytes()) == 0 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrNoData, uri, resp.Status())
	}
	items, err := p.listCodec.Unmarshal(resp.Bytes())
	if err != nil {
		return nil, err
	}

	if downloaded := resp.Data().Downloaded; !downloaded.IsZero() {
		if _, err := p.ledger.PurgeAtOrBefore(ctx, downloaded); err != nil {
			p.logger.Warnf("provider %s: purge ledger: %v", p.cfg.TypeName, err)
		}
	}
	if p.cfg.ObjectEndpoint == nil {
		return items, nil
	}
	items = delta.Filter(p.ledger, items, func(obj T) string {
		return p.AbsoluteURI(p.cfg.ObjectEndpoint(obj))
	})
	p.explode(items, resp.Expiration(), resp.AttemptToRefresh())
	return items, nil
}

// explode installs the members of a list in the object cache so single
// object reads are served without another request. Entries that are still
// current are kept.
func (p *Provider[T]) explode(items []T, expiration, attemptToRefresh time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, obj := range items {
		endpoint := normalizeEndpoint(p.cfg.ObjectEndpoint(obj))
		if endpoint == "" {
			continue
		}
		key := strings.ToLower(p.AbsoluteURI(endpoint))
		if existing, ok := p.objects[key]; ok && p.current(existing) {
			continue
		}
		op := queue.NewOperation(queue.VerbGet, endpoint, obj)
		op.BaseURI = p.cfg.BaseURI
		op.Expiration = expiration
		op.AttemptToRefresh = attemptToRefresh
		op.LazyLoaded = true
		p.objects[key] = op
	}
}

// current reports whether a cached object may be served. Zero times never
// expire.
func (p *Provider[T]) current(op *queue.Operation[T]) bool {
	if !op.LazyLoaded {
		return false
	}
	now := p.now()
	if !op.Expiration.IsZero() && op.Expiration.Before(now) {
		return false
	}
	if !op.AttemptToRefresh.IsZero() && op.AttemptToRefresh.Before(now) {
		return false
	}
	return true
}

func (p *Provider[T]) requestArgs(args network.Args) network.Args {
	if args.Timeout <= 0 && p.cfg.Queue.ResponseTimeout > 0 {
		args.Timeout = p.cfg.Queue.ResponseTimeout
	}
	return args
}

// reloadChanged loads the objects changed by completed transactions from the
// cache into memory.
func (p *Provider[T]) reloadChanged(ctx context.Context) {
	for _, r := range p.ledger.Changed() {
		x, err := p.deps.Registry.GetFromURI(ctx, r.URI)
		if err != nil {
			p.logger.Warnf("provider %s: reload %s: %v", p.cfg.TypeName, r.URI, err)
			continue
		}
		data, item, err := x.Retrieve(ctx, r.URI)
		if err != nil {
			p.logger.Debugf("provider %s: reload %s: %v", p.cfg.TypeName, r.URI, err)
			continue
		}
		obj, err := p.codec.Unmarshal(data)
		if err != nil {
			p.logger.Warnf("provider %s: decode %s: %v", p.cfg.TypeName, r.URI, err)
			continue
		}
		op := queue.NewOperation(queue.Verb(r.Verb), strings.TrimPrefix(r.URI, p.cfg.BaseURI), obj)
		op.Expiration = item.Expiration
		op.AttemptToRefresh = item.AttemptToRefresh
		op.LazyLoaded = true

		p.mu.Lock()
		p.objects[strings.ToLower(r.URI)] = op
		p.mu.Unlock()
	}
}

// Close stops the queue's automatic draining.
func (p *Provider[T]) Close() error {
	return p.queue.Close()
}
