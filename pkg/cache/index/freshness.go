package index

import (
	"context"
	"net/http"

	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/network"
)

// EnsureCurrentCache makes sure the cached file for item is usable,
// refreshing it from the origin when it is missing, stale or expired.
//
// A stale but unexpired item is served as is under StaleDeferred and
// refreshed later on the scheduler. Under StaleImmediate it is refreshed
// first, and a retryable refresh failure still reports success because the
// cached copy remains usable.
func (x *Index) EnsureCurrentCache(ctx context.Context, item *Item, args network.Args) network.Response {
	if item == nil {
		return network.Response{
			Verb:       http.MethodGet,
			StatusCode: http.StatusBadRequest,
			Message:    ErrNilItem.Error(),
			Err:        ErrNilItem,
		}
	}

	uri := x.AbsoluteURI(item)
	path := x.CachePathFor(item)
	now := x.now()
	snap := x.Snapshot(item)
	exists := files.Exists(path)
	expired := snap.IsExpiredAt(now)
	stale := snap.IsStaleAt(now)

	if exists && !stale {
		return cachedResponse(uri, snap, "Existing cache is current")
	}

	if exists && !expired && args.StaleMethod == network.StaleDeferred {
		x.scheduleRefresh(item, args)
		return cachedResponse(uri, snap, "Existing cache is stale, refresh scheduled")
	}

	res := x.fetcher.Fetch(ctx, FetchRequest{
		URI:               uri,
		FilePath:          path,
		Item:              snap,
		Headers:           args.Headers,
		Timeout:           args.EffectiveTimeout(),
		DefaultExpiration: args.Expiration,
	})
	if res.Update != nil {
		x.mu.Lock()
		item.apply(*res.Update)
		x.dirty = true
		x.mu.Unlock()
	}

	resp := res.Response
	x.breaker.Observe(resp.StatusCode)
	if err := x.Serialize(ctx); err != nil {
		x.logger.Warnf("cache index %s: %v", x.cfg.BaseURI, err)
	}

	if !resp.Succeeded() && resp.Retryable() &&
		args.StaleMethod == network.StaleImmediate && exists && stale && !expired {
		x.logger.Infof("cache index: refresh of %s failed with %d, serving stale copy", uri, resp.StatusCode)
		return cachedResponse(uri, x.Snapshot(item), "Existing cache is stale, refresh failed: "+resp.Message)
	}
	return resp
}

func (x *Index) scheduleRefresh(item *Item, args network.Args) {
	x.mu.Lock()
	if x.refreshing == nil {
		x.refreshing = make(map[string]struct{})
	}
	if _, ok := x.refreshing[item.id]; ok {
		x.mu.Unlock()
		return
	}
	x.refreshing[item.id] = struct{}{}
	x.mu.Unlock()

	immediate := args.WithStaleMethod(network.StaleImmediate)
	x.sched.Submit(KindEnsureCurrentCache, func(ctx context.Context) {
		defer func() {
			x.mu.Lock()
			delete(x.refreshing, item.id)
			x.mu.Unlock()
		}()
		x.EnsureCurrentCache(ctx, item, immediate)
	})
}

func cachedResponse(uri string, snap Item, msg string) network.Response {
	return network.Response{
		URI:              uri,
		Verb:             http.MethodGet,
		StatusCode:       http.StatusOK,
		Message:          msg,
		Downloaded:       snap.Downloaded,
		Expiration:       snap.Expiration,
		AttemptToRefresh: snap.AttemptToRefresh,
	}
}
