// Package strategy serves resources by uri through one of three retrieval
// strategies: the offline cache, a direct uncached request or a local file.
package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownType is returned for a strategy type outside the known set.
	ErrUnknownType = errors.New("strategy: unknown type")
	// ErrEmptyURI is returned when no uri is given.
	ErrEmptyURI = errors.New("strategy: uri must not be empty")
)

// Type selects a retrieval strategy.
type Type int

const (
	// Cache serves from the offline cache, refreshing it as needed.
	Cache Type = iota
	// DirectStream performs one uncached request per call.
	DirectStream
	// LocalFile reads a path on the local file system.
	LocalFile
)

func (t Type) String() string {
	switch t {
	case Cache:
		return "cache"
	case DirectStream:
		return "direct"
	case LocalFile:
		return "local"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses "cache", "direct" or "local". The empty string is Cache.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cache":
		return Cache, nil
	case "direct", "directstream", "stream":
		return DirectStream, nil
	case "local", "localfile", "file":
		return LocalFile, nil
	}
	return Cache, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Metadata describes the cache entry behind a response.
type Metadata struct {
	RelativeURI      string    `json:"relative_uri,omitempty"`
	Downloaded       time.Time `json:"downloaded"`
	Expiration       time.Time `json:"expiration"`
	AttemptToRefresh time.Time `json:"attempt_to_refresh"`
	IsExpired        bool      `json:"is_expired"`
	IsStale          bool      `json:"is_stale"`
	ETag             string    `json:"etag,omitempty"`
}

// Response is what every strategy returns.
type Response interface {
	URI() string
	Status() int
	Text() string
	Bytes() []byte
	// FileName is the local file the payload came from, or the uri for
	// direct requests.
	FileName() string
	Expiration() time.Time
	AttemptToRefresh() time.Time
	Data() Metadata
}

type resourceResponse struct {
	uri              string
	status           int
	body             []byte
	fileName         string
	expiration       time.Time
	attemptToRefresh time.Time
	data             Metadata
}

func (r *resourceResponse) URI() string                 { return r.uri }
func (r *resourceResponse) Status() int                 { return r.status }
func (r *resourceResponse) Text() string                { return string(r.body) }
func (r *resourceResponse) Bytes() []byte               { return r.body }
func (r *resourceResponse) FileName() string            { return r.fileName }
func (r *resourceResponse) Expiration() time.Time       { return r.expiration }
func (r *resourceResponse) AttemptToRefresh() time.Time { return r.attemptToRefresh }
func (r *resourceResponse) Data() Metadata              { return r.data }
