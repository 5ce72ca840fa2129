package index

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valandreev/restcache/pkg/cache/failsafe"
	"github.com/valandreev/restcache/pkg/store"
)

// RegistryConfig holds the settings shared by every index of a registry.
type RegistryConfig struct {
	CachePath             string
	CaseSensitive         bool
	SerializationInterval time.Duration
	BatchSize             int
}

// Registry maps base uris to their indexes. Indexes are opened lazily on
// first reference and share the registry's breaker.
type Registry struct {
	cfg     RegistryConfig
	backend store.Backend
	cipher  *store.Cipher
	fetcher Fetcher
	sched   Scheduler
	breaker *failsafe.Breaker
	logger  Logger
	opts    []Option

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewRegistry creates an empty registry. Index documents are read from and
// written to backend, sealed with cipher when it is not nil.
func NewRegistry(cfg RegistryConfig, backend store.Backend, cipher *store.Cipher, fetcher Fetcher, sched Scheduler, breaker *failsafe.Breaker, opts ...Option) *Registry {
	if breaker == nil {
		breaker = failsafe.NewBreaker()
	}
	r := &Registry{
		cfg:     cfg,
		backend: backend,
		cipher:  cipher,
		fetcher: fetcher,
		sched:   sched,
		breaker: breaker,
		logger:  defaultLogger(),
		indexes: make(map[string]*Index),
	}
	r.opts = append([]Option{WithBreaker(breaker)}, opts...)
	return r
}

// Breaker returns the prefetch breaker shared by all indexes.
func (r *Registry) Breaker() *failsafe.Breaker { return r.breaker }

// Get returns the index for baseURI, opening it on first use.
func (r *Registry) Get(ctx context.Context, baseURI string) (*Index, error) {
	baseURI = strings.TrimRight(baseURI, "/")
	if baseURI == "" {
		return nil, ErrEmptyURI
	}
	key := r.mapKey(baseURI)

	r.mu.Lock()
	defer r.mu.Unlock()
	if x, ok := r.indexes[key]; ok {
		return x, nil
	}

	doc := store.NewList[Item](r.backend, DocumentName(baseURI), r.cipher)
	x, err := Open(ctx, Config{
		BaseURI:               baseURI,
		CachePath:             r.cfg.CachePath,
		CaseSensitive:         r.cfg.CaseSensitive,
		SerializationInterval: r.cfg.SerializationInterval,
		BatchSize:             r.cfg.BatchSize,
	}, doc, r.fetcher, r.sched, r.opts...)
	if err != nil {
		return nil, err
	}
	r.indexes[key] = x
	r.logger.Debugf("cache index registry: opened %s with %d items", baseURI, x.Len())
	return x, nil
}

// Add opens the index for baseURI so later lookups can match it as a prefix.
func (r *Registry) Add(ctx context.Context, baseURI string) (*Index, error) {
	return r.Get(ctx, baseURI)
}

// GetFromURI returns the index owning an absolute uri.
func (r *Registry) GetFromURI(ctx context.Context, uri string) (*Index, error) {
	key, err := r.KeyFromURI(uri)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, key)
}

// KeyFromURI returns the longest registered base uri that prefixes uri, or
// scheme://host when none does.
func (r *Registry) KeyFromURI(uri string) (string, error) {
	if uri == "" {
		return "", ErrEmptyURI
	}

	r.mu.Lock()
	best := ""
	for _, x := range r.indexes {
		base := x.BaseURI()
		if len(base) <= len(best) || len(uri) < len(base) {
			continue
		}
		head := uri[:len(base)]
		if head != base && (r.cfg.CaseSensitive || !strings.EqualFold(head, base)) {
			continue
		}
		if len(uri) > len(base) && uri[len(base)] != '/' {
			continue
		}
		best = base
	}
	r.mu.Unlock()
	if best != "" {
		return best, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("cache index registry: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("cache index registry: %q is not an absolute uri", uri)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Indexes returns the open indexes ordered by base uri.
func (r *Registry) Indexes() []*Index {
	r.mu.Lock()
	out := make([]*Index, 0, len(r.indexes))
	for _, x := range r.indexes {
		out = append(out, x)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BaseURI() < out[j].BaseURI() })
	return out
}

// PreFetchIndexes schedules a prefetch pass for every index while the breaker
// allows it.
func (r *Registry) PreFetchIndexes() int {
	if !r.breaker.Enabled() {
		r.logger.Infof("cache index registry: prefetch skipped, breaker open")
		return 0
	}
	n := 0
	for _, x := range r.Indexes() {
		if !x.PrefetchEnabled() {
			continue
		}
		r.sched.Submit(KindPreFetchItems, x.PreFetchItems)
		n++
	}
	return n
}

// CleanIndexes schedules a clean pass for every index.
func (r *Registry) CleanIndexes() int {
	n := 0
	for _, x := range r.Indexes() {
		if !x.CleanEnabled() {
			continue
		}
		r.sched.Submit(KindCleanIndex, x.CleanIndex)
		n++
	}
	return n
}

// Flush persists every index with unsaved changes.
func (r *Registry) Flush(ctx context.Context) error {
	var errs []error
	for _, x := range r.Indexes() {
		errs = append(errs, x.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close flushes every index.
func (r *Registry) Close(ctx context.Context) error {
	return r.Flush(ctx)
}

func (r *Registry) mapKey(baseURI string) string {
	if r.cfg.CaseSensitive {
		return baseURI
	}
	return strings.ToLower(baseURI)
}
