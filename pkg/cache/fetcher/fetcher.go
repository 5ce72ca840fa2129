// Package fetcher downloads resources into their cache files on behalf of a
// cache index.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache/files"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
)

// DefaultAttemptRefreshHeader carries the origin's suggested refresh time.
const DefaultAttemptRefreshHeader = "X-Attempt-Refresh"

const (
	defaultMaxConcurrent = 4
	defaultLifetime      = time.Hour
)

// Logger defines the logging surface used by the fetcher.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises fetcher construction.
type Option func(*Fetcher)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// WithMaxConcurrent bounds the number of requests in flight.
func WithMaxConcurrent(n int) Option {
	return func(f *Fetcher) {
		f.maxConcurrent = n
	}
}

// WithAttemptRefreshHeader renames the refresh hint header. An empty name
// keeps the default.
func WithAttemptRefreshHeader(name string) Option {
	return func(f *Fetcher) {
		if name != "" {
			f.attemptRefreshHeader = name
		}
	}
}

// Fetcher implements index.Fetcher over a network.Transport.
type Fetcher struct {
	transport            network.Transport
	logger               Logger
	now                  func() time.Time
	maxConcurrent        int
	attemptRefreshHeader string

	sem   *semaphore.Weighted
	group singleflight.Group
}

var _ index.Fetcher = (*Fetcher)(nil)

// New constructs a Fetcher.
func New(transport network.Transport, opts ...Option) *Fetcher {
	f := &Fetcher{
		transport:            transport,
		logger:               log.GetLogger("cache-fetcher"),
		now:                  time.Now,
		maxConcurrent:        defaultMaxConcurrent,
		attemptRefreshHeader: DefaultAttemptRefreshHeader,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxConcurrent <= 0 {
		f.maxConcurrent = defaultMaxConcurrent
	}
	if f.attemptRefreshHeader == "" {
		f.attemptRefreshHeader = DefaultAttemptRefreshHeader
	}
	f.sem = semaphore.NewWeighted(int64(f.maxConcurrent))
	return f
}

// Fetch performs one conditional GET for req and commits a new payload to
// req.FilePath when the origin has one. Concurrent fetches of the same file
// share a single request.
func (f *Fetcher) Fetch(ctx context.Context, req index.FetchRequest) index.FetchResult {
	v, _, shared := f.group.Do(req.FilePath, func() (any, error) {
		return f.fetch(ctx, req), nil
	})
	if shared {
		f.logger.Debugf("cache fetcher: joined in-flight fetch of %s", req.URI)
	}
	return v.(index.FetchResult)
}

type outcome struct {
	reply *network.Reply
	err   error
	local bool
}

func (f *Fetcher) fetch(ctx context.Context, req index.FetchRequest) index.FetchResult {
	start := f.now()
	resp := network.Response{URI: req.URI, Verb: http.MethodGet}

	if req.URI == "" {
		return f.localFailure(resp, network.ErrEmptyURI, start)
	}
	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			return f.localFailure(resp, network.ErrHostHeader, start)
		}
		headers[k] = v
	}
	exists := files.Exists(req.FilePath)
	if exists && req.Item.ETag != "" && !hasHeader(headers, "If-None-Match") {
		headers["If-None-Match"] = req.Item.ETag
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = network.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := f.sem.Acquire(reqCtx, 1); err != nil {
		return f.timedOut(resp, start)
	}
	done := make(chan outcome, 1)
	go func() {
		defer f.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transport panic: %v", r), local: true}
			}
		}()
		reply, err := f.transport.Do(reqCtx, network.Request{
			Method: http.MethodGet,
			URI:    req.URI,
			Header: headers,
		})
		done <- outcome{reply: reply, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
		if out.err != nil && reqCtx.Err() != nil {
			return f.timedOut(resp, start)
		}
	case <-reqCtx.Done():
		return f.timedOut(resp, start)
	}

	if out.err != nil {
		return f.transportFailure(resp, out, start)
	}

	resp.StatusCode = out.reply.StatusCode
	resp.Header = out.reply.Header
	resp.Body = out.reply.Body
	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNotModified:
		return f.complete(ctx, req, resp, exists, start)
	case http.StatusNoContent:
		f.logger.Infof("cache fetcher: empty payload, status %d for %s", resp.StatusCode, req.URI)
		resp.Stamp(f.now())
		return f.finish(resp, nil, start)
	default:
		resp.Message = fmt.Sprintf("Get failed. Received HTTP %d for %s", resp.StatusCode, req.URI)
		f.logger.Errorf("cache fetcher: %s", resp.Message)
		resp.Stamp(f.now())
		return f.finish(resp, nil, start)
	}
}

func (f *Fetcher) complete(ctx context.Context, req index.FetchRequest, resp network.Response, exists bool, start time.Time) index.FetchResult {
	now := f.now().UTC()
	item := req.Item
	download := resp.StatusCode != http.StatusNotModified && f.shouldDownload(req, resp.Header, exists, now)

	update := &index.Update{
		Downloaded:       now,
		AttemptToRefresh: network.HeaderTime(resp.Header, f.attemptRefreshHeader),
		ETag:             resp.Header.Get("ETag"),
		ContentType:      resp.Header.Get("Content-Type"),
	}

	if !download {
		f.logger.Debugf("cache fetcher: %s unchanged, keeping cached file", req.URI)
		if date := network.HeaderTime(resp.Header, "Date"); !date.IsZero() {
			update.Downloaded = date
		}
		if update.ETag == "" && resp.StatusCode == http.StatusNotModified {
			update.ETag = item.ETag
		}
		if update.ContentType == "" && resp.StatusCode == http.StatusNotModified {
			update.ContentType = item.ContentType
		}
		update.Expiration = f.expiration(resp.Header, update.Downloaded, req.DefaultExpiration, now)
		return f.finish(applyUpdate(resp, update), update, start)
	}

	update.Expiration = f.expiration(resp.Header, now, req.DefaultExpiration, now)

	if len(resp.Body) == 0 && resp.StatusCode != http.StatusOK {
		f.logger.Errorf("cache fetcher: download returned an empty file, status %d for %s", resp.StatusCode, req.URI)
		return f.finish(applyUpdate(resp, update), nil, start)
	}
	if err := ctx.Err(); err != nil {
		return f.timedOut(resp, start)
	}

	commitStart := f.now()
	if err := files.WriteFile(req.FilePath, resp.Body); err != nil {
		return f.localFailure(resp, fmt.Errorf("commit %s: %w", req.FilePath, err), start)
	}
	f.logger.Debugf("cache fetcher: committed %s (%d bytes) in %d ms",
		req.FilePath, len(resp.Body), f.now().Sub(commitStart).Milliseconds())

	return f.finish(applyUpdate(resp, update), update, start)
}

// shouldDownload reports whether the payload replaces the cached file. A
// fresh cached file is kept, and so is a stale one the origin reports as
// unchanged.
func (f *Fetcher) shouldDownload(req index.FetchRequest, header http.Header, exists bool, now time.Time) bool {
	if !exists {
		return true
	}
	item := req.Item
	if !item.IsExpiredAt(now) && !item.IsStaleAt(now) {
		return false
	}
	if lastModified := network.HeaderTime(header, "Last-Modified"); !lastModified.IsZero() &&
		item.IsDownloaded() && lastModified.Before(item.Downloaded) {
		return false
	}
	if etag := header.Get("ETag"); etag != "" && item.ETag == etag {
		return false
	}
	return true
}

// expiration picks Expires, then now plus the caller's default, then
// downloaded plus one hour.
func (f *Fetcher) expiration(header http.Header, downloaded time.Time, def time.Duration, now time.Time) time.Time {
	if expires := network.HeaderTime(header, "Expires"); !expires.IsZero() {
		return expires
	}
	if def > 0 {
		return now.Add(def)
	}
	return downloaded.Add(defaultLifetime)
}

func (f *Fetcher) transportFailure(resp network.Response, out outcome, start time.Time) index.FetchResult {
	resp.Err = out.err
	resp.Message = out.err.Error()
	resp.Stamp(f.now())

	switch {
	case out.local || errors.Is(out.err, network.ErrHostHeader) || errors.Is(out.err, network.ErrEmptyURI):
		resp.StatusCode = network.StatusLocalException
		f.logger.Errorf("cache fetcher: %s: %v", resp.URI, out.err)
	case network.IsTimeout(out.err):
		resp.StatusCode = http.StatusRequestTimeout
		f.logger.Infof("cache fetcher: %s timed out: %v", resp.URI, out.err)
	case network.IsConnectivity(out.err):
		resp.StatusCode = network.StatusNoResponse
		f.logger.Infof("cache fetcher: %s unreachable: %v", resp.URI, out.err)
	default:
		resp.StatusCode = network.StatusNoResponse
		f.logger.Errorf("cache fetcher: %s failed: %v", resp.URI, out.err)
	}
	return f.finish(resp, nil, start)
}

func (f *Fetcher) timedOut(resp network.Response, start time.Time) index.FetchResult {
	resp.StatusCode = http.StatusRequestTimeout
	resp.Message = "Request cancelled by client because the server did not respond within timeout"
	resp.Err = nil
	resp.Body = nil
	resp.Downloaded, resp.Expiration, resp.AttemptToRefresh = time.Time{}, time.Time{}, time.Time{}
	f.logger.Infof("cache fetcher: %s timed out", resp.URI)
	return f.finish(resp, nil, start)
}

func (f *Fetcher) localFailure(resp network.Response, err error, start time.Time) index.FetchResult {
	resp.StatusCode = network.StatusLocalException
	resp.Err = err
	resp.Message = err.Error()
	resp.Stamp(f.now())
	f.logger.Errorf("cache fetcher: %s: %v", resp.URI, err)
	return f.finish(resp, nil, start)
}

func (f *Fetcher) finish(resp network.Response, update *index.Update, start time.Time) index.FetchResult {
	resp.Elapsed = f.now().Sub(start)
	f.logger.Debugf("cache fetcher: GET %s status %d in %d ms", resp.URI, resp.StatusCode, resp.Elapsed.Milliseconds())
	return index.FetchResult{Response: resp, Update: update}
}

func applyUpdate(resp network.Response, u *index.Update) network.Response {
	resp.Downloaded = u.Downloaded
	resp.Expiration = u.Expiration
	resp.AttemptToRefresh = u.AttemptToRefresh
	return resp
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
