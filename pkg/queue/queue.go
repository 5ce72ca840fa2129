// Package queue persists outbound mutations and replays them against the
// origin in order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/store"
)

var (
	// ErrEmptyEndpoint is returned for an operation without an endpoint.
	ErrEmptyEndpoint = errors.New("transaction queue: endpoint must not be empty")
	// ErrPendingDelete is returned when a non-delete targets an endpoint
	// whose pending operation is a DELETE.
	ErrPendingDelete = errors.New("transaction queue: endpoint has a pending delete")
	// ErrNilOperation is returned when Enqueue is given nothing.
	ErrNilOperation = errors.New("transaction queue: operation is required")
)

const (
	defaultDebounce        = 2 * time.Second
	defaultResponseTimeout = 60 * time.Second

	metricReasonEncode    = "encode"
	metricReasonDecode    = "decode"
	metricReasonTransport = "transport"
)

// ResultKind classifies how an attempt ended.
type ResultKind int

const (
	// ResultCompleted means the origin accepted the operation.
	ResultCompleted ResultKind = iota
	// ResultErrored means the origin or the network failed the operation.
	ResultErrored
	// ResultFailed means the operation could not be attempted at all.
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultCompleted:
		return "completed"
	case ResultErrored:
		return "errored"
	default:
		return "failed"
	}
}

// Result reports one attempt.
type Result[T any] struct {
	Kind      ResultKind
	Operation *Operation[T]
	// Completed carries the payload to keep after a successful attempt.
	Completed *Operation[T]
	Response  network.Response
	Err       error
}

// DrainReport summarises one AttemptNext call.
type DrainReport[T any] struct {
	Results   []Result[T]
	Halted    bool
	Remaining int
}

// Observer is told about every attempt.
type Observer[T any] interface {
	OnResult(ctx context.Context, result Result[T])
}

// Logger captures structured log output for queue operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics captures queue telemetry.
type Metrics interface {
	RecordQueued(endpoint string)
	RecordCompleted(endpoint string, status int)
	RecordErrored(endpoint string, status int)
	RecordFailed(endpoint string, reason string)
}

// Config controls queue behaviour.
type Config struct {
	BaseURI  string
	TypeName string
	// DequeueOnError drops an operation that failed with a retryable status
	// instead of keeping it at the head.
	DequeueOnError bool
	// OData sends Accept: application/json and treats PUT responses as empty.
	OData           bool
	Debounce        time.Duration
	ResponseTimeout time.Duration
	// AttemptRefreshHeader names the response header with the refresh hint.
	AttemptRefreshHeader string
}

// Option customises queue construction.
type Option[T any] func(*Queue[T])

// WithObserver registers an observer.
func WithObserver[T any](o Observer[T]) Option[T] {
	return func(q *Queue[T]) {
		q.observers = append(q.observers, o)
	}
}

// WithLogger overrides the default logger.
func WithLogger[T any](logger Logger) Option[T] {
	return func(q *Queue[T]) {
		q.logger = logger
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics[T any](metrics Metrics) Option[T] {
	return func(q *Queue[T]) {
		q.metrics = metrics
	}
}

// WithHeaders sets injection headers added under the operation headers.
func WithHeaders[T any](h *network.Headers) Option[T] {
	return func(q *Queue[T]) {
		q.headers = h
	}
}

// WithRequestReturnsObject controls whether POST and PUT responses carry the
// stored object. It defaults to true.
func WithRequestReturnsObject[T any](v bool) Option[T] {
	return func(q *Queue[T]) {
		q.returnsObject = v
	}
}

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(q *Queue[T]) {
		q.now = now
	}
}

// Queue is a durable FIFO of pending operations for one payload type. At
// most one operation per endpoint is pending.
type Queue[T any] struct {
	cfg           Config
	transport     network.Transport
	list          *store.List[Operation[T]]
	codec         Codec[T]
	headers       *network.Headers
	observers     []Observer[T]
	logger        Logger
	metrics       Metrics
	returnsObject bool
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// mu is held for a whole drain.
	mu    sync.Mutex
	items *SyncQueue[*Operation[T]]

	timerMu sync.Mutex
	timer   *time.Timer
	enabled bool
	closed  bool
}

// DocumentName is the store name of the queue document for typeName.
func DocumentName(typeName string) string {
	return "Queue/" + typeName + ".json"
}

// New constructs a queue persisted through backend.
func New[T any](cfg Config, transport network.Transport, backend store.Backend, cipher *store.Cipher, codec Codec[T], opts ...Option[T]) (*Queue[T], error) {
	if transport == nil {
		return nil, errors.New("transaction queue: transport is required")
	}
	if backend == nil {
		return nil, errors.New("transaction queue: backend is required")
	}
	if cfg.TypeName == "" {
		return nil, errors.New("transaction queue: type name is required")
	}
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.AttemptRefreshHeader == "" {
		cfg.AttemptRefreshHeader = "X-Attempt-Refresh"
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		cfg:           cfg,
		transport:     transport,
		list:          store.NewList[Operation[T]](backend, DocumentName(cfg.TypeName), cipher),
		codec:         codec,
		logger:        log.GetLogger("transaction-queue"),
		metrics:       noopMetrics{},
		returnsObject: true,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		items:         NewSyncQueue[*Operation[T]](),
		enabled:       true,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = log.GetLogger("transaction-queue")
	}
	if q.metrics == nil {
		q.metrics = noopMetrics{}
	}
	return q, nil
}

// TypeName returns the configured type name.
func (q *Queue[T]) TypeName() string { return q.cfg.TypeName }

// Enqueue adds op or folds it into the pending operation for the same
// endpoint. A DELETE replaces the pending verb; any other verb replaces the
// pending payload and headers, unless a DELETE is pending.
func (q *Queue[T]) Enqueue(ctx context.Context, op *Operation[T]) error {
	if op == nil {
		return ErrNilOperation
	}
	if op.Endpoint == "" {
		return ErrEmptyEndpoint
	}

	q.mu.Lock()
	merged := false
	for _, pending := range q.items.Items() {
		if pending == nil || pending.Endpoint != op.Endpoint {
			continue
		}
		switch {
		case op.Verb == VerbDelete:
			pending.Verb = VerbDelete
		case pending.Verb == VerbDelete:
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPendingDelete, op.Endpoint)
		default:
			pending.Payload = op.Payload
			pending.Headers = op.Headers
		}
		merged = true
		break
	}
	if !merged {
		if op.ID == "" {
			op.ID = xid.New().String()
		}
		if op.BaseURI == "" {
			op.BaseURI = q.cfg.BaseURI
		}
		q.items.Enqueue(op)
	}
	err := q.serializeLocked(ctx)
	q.mu.Unlock()

	q.metrics.RecordQueued(op.Endpoint)
	q.arm()
	return err
}

// AttemptNext sends pending operations in order until the queue is empty or
// an attempt halts the drain.
func (q *Queue[T]) AttemptNext(ctx context.Context) DrainReport[T] {
	q.mu.Lock()
	report := q.drainLocked(ctx)
	q.mu.Unlock()

	for _, res := range report.Results {
		for _, o := range q.observers {
			o.OnResult(ctx, res)
		}
	}
	return report
}

func (q *Queue[T]) drainLocked(ctx context.Context) DrainReport[T] {
	var report DrainReport[T]
	defer func() { report.Remaining = q.items.Len() }()

	for {
		if ctx.Err() != nil {
			report.Halted = true
			return report
		}
		op, ok := q.items.Peek()
		if !ok {
			return report
		}
		if op == nil || op.Verb == VerbNone {
			q.popLocked(ctx)
			continue
		}

		res := q.send(ctx, op)
		report.Results = append(report.Results, res)
		status := res.Response.StatusCode

		switch {
		case res.Kind == ResultFailed:
			q.logger.Errorf("transaction queue %s: %s %s failed locally: %v",
				q.cfg.TypeName, op.Verb, op.TransactionEndpoint(), res.Err)
			report.Halted = true
			return report
		case res.Kind == ResultCompleted:
			q.metrics.RecordCompleted(op.Endpoint, status)
			q.popLocked(ctx)
		case network.IsRetryable(status):
			q.metrics.RecordErrored(op.Endpoint, status)
			q.logger.Warnf("transaction queue %s: %s %s returned %d, halting",
				q.cfg.TypeName, op.Verb, op.TransactionEndpoint(), status)
			if q.cfg.DequeueOnError {
				q.popLocked(ctx)
			}
			report.Halted = true
			return report
		default:
			q.metrics.RecordErrored(op.Endpoint, status)
			q.logger.Warnf("transaction queue %s: %s %s rejected with %d, dropping",
				q.cfg.TypeName, op.Verb, op.TransactionEndpoint(), status)
			q.popLocked(ctx)
		}
	}
}

func (q *Queue[T]) popLocked(ctx context.Context) {
	q.items.Dequeue(0)
	if err := q.serializeLocked(ctx); err != nil {
		q.logger.Errorf("transaction queue %s: persist after pop: %v", q.cfg.TypeName, err)
	}
}

func (q *Queue[T]) send(ctx context.Context, op *Operation[T]) Result[T] {
	uri := op.TransactionURI(q.cfg.BaseURI)
	res := Result[T]{Operation: op}
	res.Response = network.Response{URI: uri, Verb: string(op.Verb)}

	var body []byte
	if op.Verb != VerbDelete {
		data, err := q.codec.Marshal(op.Payload)
		if err != nil {
			return q.failed(res, err, metricReasonEncode)
		}
		body = data
	}

	headers := network.MergeHeaders(q.headers.For(uri), op.Headers)
	if q.cfg.OData {
		headers = network.MergeHeaders(headers, map[string]string{"Accept": "application/json"})
	}

	reqCtx, cancel := context.WithTimeout(ctx, q.cfg.ResponseTimeout)
	defer cancel()

	start := q.now()
	reply, err := q.transport.Do(reqCtx, network.Request{
		Method:      string(op.Verb),
		URI:         uri,
		Header:      headers,
		Body:        body,
		ContentType: q.codec.ContentType(),
	})
	res.Response.Elapsed = q.now().Sub(start)
	if err != nil {
		status := network.StatusForError(err)
		if status == network.StatusLocalException {
			return q.failed(res, err, metricReasonTransport)
		}
		res.Kind = ResultErrored
		res.Err = err
		res.Response.StatusCode = status
		res.Response.Err = err
		res.Response.Message = err.Error()
		res.Response.Stamp(q.now())
		return res
	}

	res.Response.StatusCode = reply.StatusCode
	res.Response.Header = reply.Header
	res.Response.Body = reply.Body
	if res.Response.Header == nil {
		res.Response.Header = http.Header{}
	}
	res.Response.Downloaded = q.now().UTC()
	res.Response.Expiration = network.HeaderTime(res.Response.Header, "Expires")
	res.Response.AttemptToRefresh = network.HeaderTime(res.Response.Header, q.cfg.AttemptRefreshHeader)
	q.logger.Debugf("transaction queue %s: %s %s status %d in %d ms",
		q.cfg.TypeName, op.Verb, uri, reply.StatusCode, res.Response.Elapsed.Milliseconds())

	if !network.IsSuccess(reply.StatusCode) {
		res.Kind = ResultErrored
		res.Response.Message = fmt.Sprintf("%s failed. Received HTTP %d for %s", op.Verb, reply.StatusCode, uri)
		return res
	}

	completed, err := q.completion(op, res.Response)
	if err != nil {
		return q.failed(res, err, metricReasonDecode)
	}
	res.Kind = ResultCompleted
	res.Completed = completed
	return res
}

// completion builds the operation to keep after a successful attempt.
func (q *Queue[T]) completion(op *Operation[T], resp network.Response) (*Operation[T], error) {
	if !q.returnsObject {
		out := op.Clone(op.Payload)
		out.Expiration = resp.Expiration
		out.AttemptToRefresh = resp.AttemptToRefresh
		return out, nil
	}
	if op.Verb == VerbPost || (op.Verb == VerbPut && !q.cfg.OData) {
		var payload T
		if len(resp.Body) > 0 {
			decoded, err := q.codec.Unmarshal(resp.Body)
			if err != nil {
				return nil, err
			}
			payload = decoded
		}
		out := op.Clone(payload)
		out.Expiration = resp.Expiration
		out.AttemptToRefresh = resp.AttemptToRefresh
		return out, nil
	}
	return op.Clone(op.Payload), nil
}

func (q *Queue[T]) failed(res Result[T], err error, reason string) Result[T] {
	res.Kind = ResultFailed
	res.Err = err
	res.Response.StatusCode = network.StatusLocalException
	res.Response.Err = err
	res.Response.Message = err.Error()
	res.Response.Stamp(q.now())
	q.metrics.RecordFailed(res.Operation.Endpoint, reason)
	return res
}

// Load re-enqueues the persisted operations.
func (q *Queue[T]) Load(ctx context.Context) (int, error) {
	ops, err := q.list.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("transaction queue %s: load: %w", q.cfg.TypeName, err)
	}
	n := 0
	for i := range ops {
		op := ops[i]
		if err := q.Enqueue(ctx, &op); err != nil {
			q.logger.Warnf("transaction queue %s: skip persisted %s: %v", q.cfg.TypeName, op.Endpoint, err)
			continue
		}
		n++
	}
	return n, nil
}

// Serialize persists the queue. An empty queue deletes its document.
func (q *Queue[T]) Serialize(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.serializeLocked(ctx)
}

func (q *Queue[T]) serializeLocked(ctx context.Context) error {
	pending := q.items.Items()
	if len(pending) == 0 {
		if err := q.list.Delete(ctx); err != nil {
			return fmt.Errorf("transaction queue %s: delete: %w", q.cfg.TypeName, err)
		}
		return nil
	}
	ops := make([]Operation[T], 0, len(pending))
	for _, op := range pending {
		if op != nil {
			ops = append(ops, *op)
		}
	}
	if err := q.list.Save(ctx, ops); err != nil {
		return fmt.Errorf("transaction queue %s: save: %w", q.cfg.TypeName, err)
	}
	return nil
}

// Discard drops every pending operation and deletes the document.
func (q *Queue[T]) Discard(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
	return q.list.Delete(ctx)
}

// Items returns copies of the pending operations in order.
func (q *Queue[T]) Items() []Operation[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.items.Items()
	out := make([]Operation[T], 0, len(pending))
	for _, op := range pending {
		if op != nil {
			out = append(out, *op)
		}
	}
	return out
}

// Len returns the number of pending operations.
func (q *Queue[T]) Len() int {
	return q.items.Len()
}

// SetEnabled turns automatic draining on or off. Enabling a queue with
// pending operations schedules a drain.
func (q *Queue[T]) SetEnabled(enabled bool) {
	q.timerMu.Lock()
	q.enabled = enabled
	if !enabled && q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerMu.Unlock()

	if enabled && q.Len() > 0 {
		q.arm()
	}
}

// Close stops automatic draining.
func (q *Queue[T]) Close() error {
	q.timerMu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerMu.Unlock()
	q.cancel()
	return nil
}

// arm (re)starts the debounce timer that drains the queue.
func (q *Queue[T]) arm() {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	if !q.enabled || q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.cfg.Debounce, func() {
		report := q.AttemptNext(q.ctx)
		if len(report.Results) > 0 {
			q.logger.Infof("transaction queue %s: drained %d operations, %d remaining",
				q.cfg.TypeName, len(report.Results), report.Remaining)
		}
	})
}

type noopMetrics struct{}

func (noopMetrics) RecordQueued(string) {}

func (noopMetrics) RecordCompleted(string, int) {}

func (noopMetrics) RecordErrored(string, int) {}

func (noopMetrics) RecordFailed(string, string) {}
