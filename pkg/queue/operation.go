package queue

import (
	"time"

	"github.com/rs/xid"
)

// Verb is the HTTP method a pending operation is sent with.
type Verb string

const (
	VerbNone   Verb = ""
	VerbGet    Verb = "GET"
	VerbPost   Verb = "POST"
	VerbPut    Verb = "PUT"
	VerbDelete Verb = "DELETE"
)

// Operation is a mutation waiting to be sent to the origin.
type Operation[T any] struct {
	ID      string `json:"id"`
	Payload T      `json:"payload"`
	Verb    Verb   `json:"verb"`
	// BaseURI is the origin the operation was queued for. It is stamped on
	// enqueue so a persisted queue can be drained without its provider.
	BaseURI string `json:"base_uri,omitempty"`
	// Endpoint is the object's own endpoint relative to the queue's base uri.
	Endpoint string `json:"endpoint"`
	// PostEndpoint is the list endpoint a POST is sent to, when it differs.
	PostEndpoint     string            `json:"post_endpoint,omitempty"`
	Expiration       time.Time         `json:"expiration"`
	AttemptToRefresh time.Time         `json:"attempt_to_refresh"`
	LazyLoaded       bool              `json:"lazy_loaded,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
}

// NewOperation creates an operation with a fresh id.
func NewOperation[T any](verb Verb, endpoint string, payload T) *Operation[T] {
	return &Operation[T]{
		ID:       xid.New().String(),
		Payload:  payload,
		Verb:     verb,
		Endpoint: endpoint,
	}
}

// TransactionURI is the absolute uri the operation is sent to. fallback
// is used for operations persisted without a base uri.
func (o *Operation[T]) TransactionURI(fallback string) string {
	base := o.BaseURI
	if base == "" {
		base = fallback
	}
	return base + o.TransactionEndpoint()
}

// TransactionEndpoint is where the operation is sent.
func (o *Operation[T]) TransactionEndpoint() string {
	if o.Verb == VerbPost && o.PostEndpoint != "" {
		return o.PostEndpoint
	}
	return o.Endpoint
}

// Clone copies the routing and freshness fields of o onto payload.
func (o *Operation[T]) Clone(payload T) *Operation[T] {
	return &Operation[T]{
		ID:               o.ID,
		Payload:          payload,
		Verb:             o.Verb,
		BaseURI:          o.BaseURI,
		Endpoint:         o.Endpoint,
		Expiration:       o.Expiration,
		AttemptToRefresh: o.AttemptToRefresh,
		LazyLoaded:       o.LazyLoaded,
	}
}
