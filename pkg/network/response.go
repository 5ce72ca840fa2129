// Package network holds the request and response values shared by the cache
// fetcher, the strategies and the transaction queue, the status taxonomy
// that drives retries, and the HTTP transport they all use.
package network

import (
	"fmt"
	"net/http"
	"time"
)

// Sentinel status codes for failures that never produced an HTTP status.
const (
	// StatusLocalException marks a failure inside this process.
	StatusLocalException = -1
	// StatusNoResponse marks a request that never reached the origin (DNS,
	// connect, TLS).
	StatusNoResponse = -2
)

// Class groups status codes by how callers should react.
type Class int

const (
	ClassSuccess Class = iota
	// ClassTransientNetwork covers timeouts and unreachable origins.
	ClassTransientNetwork
	// ClassRetryable covers authentication, gateway and availability errors
	// plus local failures.
	ClassRetryable
	// ClassRejected covers every other status: the origin answered and said no.
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransientNetwork:
		return "transient-network"
	case ClassRetryable:
		return "retryable"
	default:
		return "rejected"
	}
}

// IsSuccess reports whether status completes an operation.
func IsSuccess(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return true
	}
	return false
}

// IsRetryable reports whether status should halt a drain, trip the prefetch
// breaker and leave the work for a later attempt.
func IsRetryable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusServiceUnavailable, http.StatusRequestTimeout,
		http.StatusBadGateway, StatusLocalException, StatusNoResponse:
		return true
	}
	return false
}

// ClassOf maps a status to its Class.
func ClassOf(status int) Class {
	switch {
	case IsSuccess(status):
		return ClassSuccess
	case status == http.StatusRequestTimeout || status == StatusNoResponse:
		return ClassTransientNetwork
	case IsRetryable(status):
		return ClassRetryable
	default:
		return ClassRejected
	}
}

// Response is the outcome of one network interaction as seen by the engine.
// Failures are reported here rather than as Go errors; Err carries the cause
// when there is one.
type Response struct {
	URI        string
	Verb       string
	StatusCode int
	Message    string
	Err        error
	Body       []byte
	Header     http.Header

	Downloaded       time.Time
	Expiration       time.Time
	AttemptToRefresh time.Time
	Elapsed          time.Duration
}

// Succeeded reports whether the status completes the operation.
func (r Response) Succeeded() bool { return IsSuccess(r.StatusCode) }

// Class classifies the status.
func (r Response) Class() Class { return ClassOf(r.StatusCode) }

// Retryable reports whether the failure is worth retrying later.
func (r Response) Retryable() bool { return IsRetryable(r.StatusCode) }

// Stamp sets every timestamp to now.
func (r *Response) Stamp(now time.Time) {
	now = now.UTC()
	r.Downloaded = now
	r.Expiration = now
	r.AttemptToRefresh = now
}

func (r Response) String() string {
	if r.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", r.Verb, r.URI, r.StatusCode, r.Message)
	}
	return fmt.Sprintf("%s %s: %d", r.Verb, r.URI, r.StatusCode)
}

// HeaderTime parses the named header as an HTTP date, falling back to
// RFC 3339. Missing or malformed values yield the zero time.
func HeaderTime(h http.Header, name string) time.Time {
	value := h.Get(name)
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, value); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
