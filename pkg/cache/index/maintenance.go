package index

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/network"
)

// stagingGrace protects staging files younger than this from WeedIndex.
const stagingGrace = time.Minute

// PrefetchReport is published when a prefetch pass has no more work queued.
type PrefetchReport struct {
	BaseURI   string
	Items     []Item
	Completed time.Time
}

// Manifest lists the relative uris that should be kept prefetched.
type Manifest struct {
	Cache []string `json:"cache" yaml:"cache"`
}

// RemoveCurrentCache deletes the cached file of item. Prefetch items stay in
// the index expired, the rest are dropped from it.
func (x *Index) RemoveCurrentCache(ctx context.Context, item *Item) error {
	if item == nil {
		return ErrNilItem
	}
	err := files.Remove(x.CachePathFor(item))
	if err != nil {
		x.logger.Errorf("cache index: remove %s: %v", item.relativeURI, err)
	}

	x.mu.Lock()
	if item.PreFetch {
		item.Expire(x.now())
	} else {
		x.items.Delete(x.key(item.relativeURI))
	}
	x.dirty = true
	x.mu.Unlock()

	return errors.Join(err, x.Serialize(ctx))
}

// CleanIndex schedules removal of up to BatchSize expired items that are not
// prefetched, and schedules itself again when more remain.
func (x *Index) CleanIndex(ctx context.Context) {
	x.mu.Lock()
	if !x.cleanEnabled {
		x.mu.Unlock()
		return
	}
	now := x.now()
	var victims []*Item
	x.items.Scan(func(_ string, item *Item) bool {
		if !item.PreFetch && item.IsExpiredAt(now) {
			victims = append(victims, item)
		}
		return true
	})
	x.mu.Unlock()

	n := min(len(victims), x.cfg.BatchSize)
	for _, item := range victims[:n] {
		x.sched.Submit(KindRemoveCurrentCache, func(ctx context.Context) {
			_ = x.RemoveCurrentCache(ctx, item)
		})
	}
	if len(victims) > n {
		x.sched.Submit(KindCleanIndex, x.CleanIndex)
	}
	if n > 0 {
		x.logger.Debugf("cache index %s: scheduled removal of %d of %d expired items", x.cfg.BaseURI, n, len(victims))
	}
}

// PreFetchItems schedules an immediate refresh for up to BatchSize prefetch
// items that are missing, stale or expired, most used first. While more
// remain and the breaker allows it, the pass schedules itself again; each
// item is attempted once per pass. When the pass ends a PrefetchReport is
// published once the scheduler has no prefetch work left.
func (x *Index) PreFetchItems(ctx context.Context) {
	x.mu.Lock()
	if !x.prefetchEnabled {
		x.mu.Unlock()
		return
	}
	now := x.now()
	var candidates []*Item
	x.items.Scan(func(_ string, item *Item) bool {
		if !item.PreFetch || (item.IsDownloaded() && !item.IsStaleAt(now)) {
			return true
		}
		if _, done := x.prefetched[item.id]; done {
			return true
		}
		candidates = append(candidates, item)
		return true
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UsageCount > candidates[j].UsageCount
	})
	n := min(len(candidates), x.cfg.BatchSize)
	for _, item := range candidates[:n] {
		x.prefetched[item.id] = item
	}
	x.mu.Unlock()

	args := network.Args{StaleMethod: network.StaleImmediate}
	for _, item := range candidates[:n] {
		x.sched.Submit(KindEnsureCurrentCache, func(ctx context.Context) {
			x.EnsureCurrentCache(ctx, item, args)
		})
	}

	if len(candidates) > n && x.breaker.Enabled() {
		x.sched.Submit(KindPreFetchItems, x.PreFetchItems)
		return
	}
	x.awaitPrefetchDrain(ctx)
}

func (x *Index) awaitPrefetchDrain(ctx context.Context) {
	x.mu.Lock()
	if x.awaitingDrain {
		x.mu.Unlock()
		return
	}
	x.awaitingDrain = true
	x.mu.Unlock()

	go func() {
		ticker := time.NewTicker(x.pollInterval)
		defer ticker.Stop()
		for x.sched.Pending(KindEnsureCurrentCache, KindPreFetchItems) > 0 {
			select {
			case <-ctx.Done():
				x.mu.Lock()
				x.prefetched = make(map[string]*Item)
				x.awaitingDrain = false
				x.mu.Unlock()
				return
			case <-ticker.C:
			}
		}

		x.mu.Lock()
		report := PrefetchReport{BaseURI: x.cfg.BaseURI, Completed: x.now().UTC()}
		for _, item := range x.prefetched {
			report.Items = append(report.Items, *item)
		}
		x.prefetched = make(map[string]*Item)
		x.awaitingDrain = false
		x.mu.Unlock()

		sort.Slice(report.Items, func(i, j int) bool {
			return report.Items[i].relativeURI < report.Items[j].relativeURI
		})
		select {
		case x.reports <- report:
		default:
			x.logger.Debugf("cache index %s: prefetch report dropped", x.cfg.BaseURI)
		}
	}()
}

// WeedIndex deletes files below the index directory that no item references.
// The index document is kept.
func (x *Index) WeedIndex(ctx context.Context) (int, error) {
	x.mu.Lock()
	keep := map[string]struct{}{
		filepath.Join(x.Dir(), SerializeFileName): {},
	}
	x.items.Scan(func(_ string, item *Item) bool {
		keep[x.CachePathFor(item)] = struct{}{}
		return true
	})
	x.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(x.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := keep[path]; ok {
			return nil
		}
		if files.IsTemp(path) {
			// A fetch may still be staging this file.
			if info, err := d.Info(); err == nil && time.Since(info.ModTime()) < stagingGrace {
				return nil
			}
		}
		if err := os.Remove(path); err != nil {
			x.logger.Warnf("cache index: weed %s: %v", path, err)
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		x.logger.Infof("cache index %s: weeded %d files", x.cfg.BaseURI, removed)
	}
	return removed, err
}

// KillIndex deletes every cached file and sub-directory, drops all items and
// persists the empty index.
func (x *Index) KillIndex(ctx context.Context) error {
	err := x.removeDirContents(SerializeFileName)

	x.mu.Lock()
	x.items.Clear()
	x.prefetched = make(map[string]*Item)
	x.dirty = true
	x.mu.Unlock()

	return errors.Join(err, x.SerializeImmediate(ctx))
}

// UpdateIndex marks every manifest entry for prefetch, adding the missing
// ones, and clears the prefetch flag of items the manifest no longer lists.
func (x *Index) UpdateIndex(ctx context.Context, manifest Manifest) error {
	x.mu.Lock()
	listed := make(map[string]struct{}, len(manifest.Cache))
	for _, entry := range manifest.Cache {
		rel, err := NormalizeRelativeURI(entry)
		if err != nil {
			continue
		}
		key := x.key(rel)
		listed[key] = struct{}{}
		if item, ok := x.items.Get(key); ok {
			item.PreFetch = true
			continue
		}
		item, err := NewItem(rel)
		if err != nil {
			continue
		}
		item.PreFetch = true
		x.items.Set(key, item)
	}
	x.items.Scan(func(key string, item *Item) bool {
		if _, ok := listed[key]; !ok {
			item.PreFetch = false
		}
		return true
	})
	x.dirty = true
	x.mu.Unlock()

	return x.SerializeImmediate(ctx)
}
