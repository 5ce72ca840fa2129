// Package index keeps the per-origin cache index: which resources are cached
// below a base uri, where their files live and how fresh they are.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/store"
)

var (
	// ErrNotFound is returned when a requested entry is not present in the index.
	ErrNotFound = errors.New("cache index: entry not found")
	// ErrEmptyURI is returned when a lookup is attempted without a uri.
	ErrEmptyURI = errors.New("cache index: uri must not be empty")
	// ErrEmptyRelativeURI is returned for the base uri itself.
	ErrEmptyRelativeURI = errors.New("cache index: relative uri must not be empty")
	// ErrOutsideBase is returned for a uri that is not below the base uri.
	ErrOutsideBase = errors.New("cache index: uri is not below the base uri")
	// ErrNilItem is returned when an operation is given no item.
	ErrNilItem = errors.New("cache index: item is required")
)

// Task kinds submitted to the Scheduler.
const (
	KindEnsureCurrentCache = "EnsureCurrentCache"
	KindPreFetchItems      = "PreFetchItems"
	KindCleanIndex         = "CleanIndex"
	KindRemoveCurrentCache = "RemoveCurrentCache"
)

const (
	defaultSerializationInterval = 30 * time.Second
	defaultBatchSize             = 20
	btreeDegree                  = 32
)

// Logger defines the logging surface used by the index.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Scheduler runs background work in submission order.
type Scheduler interface {
	Submit(kind string, fn func(ctx context.Context))
	// Pending counts queued and running tasks of the given kinds.
	Pending(kinds ...string) int
}

// Breaker gates prefetch after authentication or availability failures.
type Breaker interface {
	Observe(status int)
	Enabled() bool
}

// FetchRequest describes one refresh of a cached resource.
type FetchRequest struct {
	URI               string
	FilePath          string
	Item              Item
	Headers           map[string]string
	Timeout           time.Duration
	DefaultExpiration time.Duration
}

// FetchResult is the outcome of a refresh. Update is nil when the item
// metadata must stay as it is.
type FetchResult struct {
	Response network.Response
	Update   *Update
}

// Fetcher retrieves a resource into its cache file.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// Config describes one index.
type Config struct {
	BaseURI               string
	CachePath             string
	CaseSensitive         bool
	SerializationInterval time.Duration
	// BatchSize caps how many items one clean or prefetch pass schedules.
	BatchSize int
}

// Option customises index construction.
type Option func(*Index)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(x *Index) {
		x.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Index) {
		x.now = now
	}
}

// WithBreaker shares a prefetch breaker between indexes.
func WithBreaker(b Breaker) Option {
	return func(x *Index) {
		x.breaker = b
	}
}

// WithPollInterval sets how often a finished prefetch pass checks whether
// the scheduler has drained.
func WithPollInterval(d time.Duration) Option {
	return func(x *Index) {
		x.pollInterval = d
	}
}

// Index is the cache index of one base uri.
type Index struct {
	cfg          Config
	doc          *store.List[Item]
	fetcher      Fetcher
	sched        Scheduler
	breaker      Breaker
	logger       Logger
	now          func() time.Time
	pollInterval time.Duration
	reports      chan PrefetchReport

	saveMu sync.Mutex

	mu              sync.Mutex
	items           *btree.Map[string, *Item]
	prefetchEnabled bool
	cleanEnabled    bool
	lastSerialized  time.Time
	dirty           bool
	refreshing      map[string]struct{}
	prefetched      map[string]*Item
	awaitingDrain   bool
}

// Open loads the index document for cfg.BaseURI from doc, or starts an
// empty index when there is none yet.
func Open(ctx context.Context, cfg Config, doc *store.List[Item], fetcher Fetcher, sched Scheduler, opts ...Option) (*Index, error) {
	if cfg.BaseURI == "" {
		return nil, errors.New("cache index: base uri is required")
	}
	if cfg.CachePath == "" {
		return nil, errors.New("cache index: cache path is required")
	}
	if doc == nil {
		return nil, errors.New("cache index: document store is required")
	}
	if fetcher == nil {
		return nil, errors.New("cache index: fetcher is required")
	}
	if sched == nil {
		return nil, errors.New("cache index: scheduler is required")
	}

	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	if cfg.SerializationInterval <= 0 {
		cfg.SerializationInterval = defaultSerializationInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	x := &Index{
		cfg:             cfg,
		doc:             doc,
		fetcher:         fetcher,
		sched:           sched,
		logger:          defaultLogger(),
		now:             time.Now,
		pollInterval:    time.Second,
		reports:         make(chan PrefetchReport, 4),
		items:           btree.NewMap[string, *Item](btreeDegree),
		prefetchEnabled: true,
		cleanEnabled:    true,
		prefetched:      make(map[string]*Item),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.logger == nil {
		x.logger = defaultLogger()
	}
	if x.breaker == nil {
		x.breaker = failsafe.NewBreaker()
	}

	loaded, err := doc.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("cache index: load %s: %w", doc.Name(), err)
	default:
		for i := range loaded {
			item := loaded[i]
			x.items.Set(x.key(item.relativeURI), &item)
		}
	}

	return x, nil
}

// BaseURI returns the base uri without trailing slash.
func (x *Index) BaseURI() string { return x.cfg.BaseURI }

// Dir is the directory holding the index document and item files.
func (x *Index) Dir() string { return Dir(x.cfg.CachePath, x.cfg.BaseURI) }

// Reports delivers one PrefetchReport each time a prefetch pass completes.
// Reports are dropped when nobody reads them.
func (x *Index) Reports() <-chan PrefetchReport { return x.reports }

// SetPrefetchEnabled toggles PreFetchItems for this index.
func (x *Index) SetPrefetchEnabled(enabled bool) {
	x.mu.Lock()
	x.prefetchEnabled = enabled
	x.mu.Unlock()
}

// SetCleanEnabled toggles CleanIndex for this index.
func (x *Index) SetCleanEnabled(enabled bool) {
	x.mu.Lock()
	x.cleanEnabled = enabled
	x.mu.Unlock()
}

// PrefetchEnabled reports the per-index prefetch flag.
func (x *Index) PrefetchEnabled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.prefetchEnabled
}

// CleanEnabled reports the per-index clean flag.
func (x *Index) CleanEnabled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cleanEnabled
}

// GetRelativeURI returns uri relative to the base uri and whether uri is
// below the base at all.
func (x *Index) GetRelativeURI(uri string) (string, bool) {
	base := x.cfg.BaseURI
	if len(uri) < len(base) {
		return "", false
	}
	head := uri[:len(base)]
	if head != base && (x.cfg.CaseSensitive || !strings.EqualFold(head, base)) {
		return "", false
	}
	rest := uri[len(base):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return strings.TrimPrefix(rest, "/"), true
}

// AbsoluteURI returns the uri an item was resolved from.
func (x *Index) AbsoluteURI(item *Item) string {
	return x.cfg.BaseURI + "/" + item.relativeURI
}

// Get resolves uri to its item. A hit counts as a use and marks the item for
// prefetch. A miss creates the item when addIfNew is set, otherwise it
// returns ErrNotFound.
func (x *Index) Get(ctx context.Context, uri string, addIfNew bool) (*Item, error) {
	if uri == "" {
		return nil, ErrEmptyURI
	}
	rel, ok := x.GetRelativeURI(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOutsideBase, uri)
	}
	rel, err := NormalizeRelativeURI(rel)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	if item, found := x.items.Get(x.key(rel)); found {
		item.UsageCount++
		item.PreFetch = true
		x.dirty = true
		x.mu.Unlock()
		return item, nil
	}
	if !addIfNew {
		x.mu.Unlock()
		return nil, ErrNotFound
	}
	item := &Item{id: uuid.NewString(), relativeURI: rel, PreFetch: true, UsageCount: 1}
	x.items.Set(x.key(rel), item)
	x.dirty = true
	x.mu.Unlock()

	if err := x.Serialize(ctx); err != nil {
		x.logger.Warnf("cache index %s: serialize after add failed: %v", x.cfg.BaseURI, err)
	}
	return item, nil
}

// Add inserts item, replacing any item with the same relative uri.
func (x *Index) Add(item *Item) {
	if item == nil {
		return
	}
	x.mu.Lock()
	x.items.Set(x.key(item.relativeURI), item)
	x.dirty = true
	x.mu.Unlock()
}

// Remove drops the item for relativeURI and reports whether it existed.
func (x *Index) Remove(relativeURI string) bool {
	rel, err := NormalizeRelativeURI(relativeURI)
	if err != nil {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.items.Delete(x.key(rel))
	if ok {
		x.dirty = true
	}
	return ok
}

// Snapshot returns a consistent copy of item.
func (x *Index) Snapshot(item *Item) Item {
	x.mu.Lock()
	defer x.mu.Unlock()
	return *item
}

// Items returns copies of every item ordered by relative uri.
func (x *Index) Items() []Item {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked()
}

// Len returns the number of items.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.items.Len()
}

// CachePathFor is the file that holds item's payload.
func (x *Index) CachePathFor(item *Item) string {
	return filepath.Join(x.Dir(), ItemFileName(item.id))
}

// FileName returns the payload path when the file exists, else "".
func (x *Index) FileName(item *Item) string {
	path := x.CachePathFor(item)
	if files.Exists(path) {
		return path
	}
	return ""
}

// Store writes data as the cached payload for uri with the given freshness
// window and persists the index right away.
func (x *Index) Store(ctx context.Context, uri string, data []byte, expiration, attemptToRefresh time.Time) (*Item, error) {
	item, err := x.Get(ctx, uri, true)
	if err != nil {
		return nil, err
	}
	if err := files.WriteFile(x.CachePathFor(item), data); err != nil {
		return nil, fmt.Errorf("cache index: store %s: %w", uri, err)
	}

	x.mu.Lock()
	item.Downloaded = x.now().UTC()
	item.Expiration = utc(expiration)
	item.AttemptToRefresh = utc(attemptToRefresh)
	x.dirty = true
	x.mu.Unlock()

	return item, x.SerializeImmediate(ctx)
}

// Retrieve returns the cached payload for uri without touching the network.
func (x *Index) Retrieve(ctx context.Context, uri string) ([]byte, Item, error) {
	item, err := x.Get(ctx, uri, false)
	if err != nil {
		return nil, Item{}, err
	}
	data, err := files.ReadFile(x.CachePathFor(item))
	if err != nil {
		return nil, Item{}, err
	}
	return data, x.Snapshot(item), nil
}

// Serialize persists the index unless it was persisted less than
// SerializationInterval ago.
func (x *Index) Serialize(ctx context.Context) error {
	x.mu.Lock()
	due := x.lastSerialized.IsZero() || x.now().Sub(x.lastSerialized) >= x.cfg.SerializationInterval
	x.mu.Unlock()
	if !due {
		return nil
	}
	return x.SerializeImmediate(ctx)
}

// SerializeImmediate persists the index now.
func (x *Index) SerializeImmediate(ctx context.Context) error {
	x.saveMu.Lock()
	defer x.saveMu.Unlock()

	x.mu.Lock()
	items := x.snapshotLocked()
	x.lastSerialized = x.now()
	x.dirty = false
	x.mu.Unlock()

	if err := x.doc.Save(ctx, items); err != nil {
		x.mu.Lock()
		x.dirty = true
		x.mu.Unlock()
		return fmt.Errorf("cache index: save %s: %w", x.doc.Name(), err)
	}
	return nil
}

// Flush persists changes the rate limit held back.
func (x *Index) Flush(ctx context.Context) error {
	x.mu.Lock()
	dirty := x.dirty
	x.mu.Unlock()
	if !dirty {
		return nil
	}
	return x.SerializeImmediate(ctx)
}

func (x *Index) snapshotLocked() []Item {
	out := make([]Item, 0, x.items.Len())
	x.items.Scan(func(_ string, item *Item) bool {
		out = append(out, *item)
		return true
	})
	return out
}

func (x *Index) key(relativeURI string) string {
	if x.cfg.CaseSensitive {
		return relativeURI
	}
	return strings.ToLower(relativeURI)
}

func (x *Index) removeDirContents(keep string) error {
	entries, err := os.ReadDir(x.Dir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(x.Dir(), e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultLogger() Logger {
	return log.GetLogger("cache-index")
}
