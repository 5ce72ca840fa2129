package strategy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	lrucache "github.com/hashicorp/golang-lru"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
)

// Logger defines the logging surface used by the dispatcher.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises dispatcher construction.
type Option func(*Dispatcher)

// WithHeaders sets the injection headers merged under per-call headers.
func WithHeaders(h *network.Headers) Option {
	return func(d *Dispatcher) {
		d.headers = h
	}
}

// WithMemoryCache keeps up to entries cached payloads in memory. Zero
// disables it.
func WithMemoryCache(entries int) Option {
	return func(d *Dispatcher) {
		d.memoryEntries = entries
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// Dispatcher routes a request to the strategy selected by its Type.
type Dispatcher struct {
	registry      *index.Registry
	transport     network.Transport
	headers       *network.Headers
	memoryEntries int
	memo          *lrucache.Cache
	logger        Logger
	now           func() time.Time
}

// NewDispatcher constructs a Dispatcher. registry may be nil when the Cache
// strategy is never used.
func NewDispatcher(registry *index.Registry, transport network.Transport, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		registry:  registry,
		transport: transport,
		logger:    log.GetLogger("strategy"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.memoryEntries > 0 {
		memo, err := lrucache.New(d.memoryEntries)
		if err != nil {
			return nil, fmt.Errorf("strategy: memory cache: %w", err)
		}
		d.memo = memo
	}
	return d, nil
}

// Get retrieves uri with the strategy t.
func (d *Dispatcher) Get(ctx context.Context, uri string, t Type, args network.Args) (Response, error) {
	if uri == "" {
		return nil, ErrEmptyURI
	}
	args.Headers = network.MergeHeaders(d.headers.For(uri), args.Headers)

	switch t {
	case Cache:
		return d.getCached(ctx, uri, args)
	case DirectStream:
		return d.getDirect(ctx, uri, args), nil
	case LocalFile:
		return d.getLocal(uri), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
}

func (d *Dispatcher) getCached(ctx context.Context, uri string, args network.Args) (Response, error) {
	if d.registry == nil {
		return nil, fmt.Errorf("strategy: cache registry is not configured")
	}
	x, err := d.registry.GetFromURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	item, err := x.Get(ctx, uri, true)
	if err != nil {
		return nil, err
	}

	resp := x.EnsureCurrentCache(ctx, item, args)
	snap := x.Snapshot(item)
	path := x.FileName(item)
	now := d.now()

	out := &resourceResponse{
		uri:              uri,
		status:           resp.StatusCode,
		fileName:         path,
		expiration:       snap.Expiration,
		attemptToRefresh: snap.AttemptToRefresh,
		data: Metadata{
			RelativeURI:      snap.RelativeURI(),
			Downloaded:       snap.Downloaded,
			Expiration:       snap.Expiration,
			AttemptToRefresh: snap.AttemptToRefresh,
			IsExpired:        snap.IsExpiredAt(now),
			IsStale:          snap.IsStaleAt(now),
			ETag:             snap.ETag,
		},
	}
	if path != "" {
		out.body = d.readCached(path, snap.Downloaded)
	}
	return out, nil
}

func (d *Dispatcher) readCached(path string, downloaded time.Time) []byte {
	key := fmt.Sprintf("%s|%d", path, downloaded.UnixNano())
	if d.memo != nil {
		if v, ok := d.memo.Get(key); ok {
			return v.([]byte)
		}
	}
	data, err := files.ReadFile(path)
	if err != nil {
		d.logger.Errorf("strategy: read cached file %s: %v", path, err)
		return nil
	}
	if d.memo != nil {
		d.memo.Add(key, data)
	}
	return data
}

func (d *Dispatcher) getDirect(ctx context.Context, uri string, args network.Args) Response {
	reqCtx, cancel := context.WithTimeout(ctx, args.EffectiveTimeout())
	defer cancel()

	start := d.now()
	reply, err := d.transport.Do(reqCtx, network.Request{
		Method: http.MethodGet,
		URI:    uri,
		Header: args.Headers,
	})
	now := d.now().UTC()
	out := &resourceResponse{uri: uri, fileName: uri, expiration: now, attemptToRefresh: now}
	if err != nil {
		out.status = network.StatusForError(err)
		d.logger.Warnf("strategy: direct GET %s failed with %d: %v", uri, out.status, err)
		return out
	}
	out.status = reply.StatusCode
	out.body = reply.Body
	d.logger.Debugf("strategy: direct GET %s status %d in %d ms", uri, reply.StatusCode, now.Sub(start).Milliseconds())
	return out
}

func (d *Dispatcher) getLocal(uri string) Response {
	path := strings.TrimPrefix(uri, "file://")
	out := &resourceResponse{uri: uri, status: http.StatusOK, fileName: path}
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Errorf("strategy: read local file %s: %v", path, err)
		return out
	}
	out.body = data
	if info, err := os.Stat(path); err == nil {
		out.data.Downloaded = info.ModTime().UTC()
	}
	return out
}
