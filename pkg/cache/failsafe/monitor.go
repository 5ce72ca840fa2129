package failsafe

import (
	"sync"
	"time"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/network"
)

// Logger defines the logging surface used by the breaker.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises breaker construction.
type Option func(*Breaker)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// State is a point-in-time view of the breaker.
type State struct {
	Enabled    bool      `json:"enabled"`
	Trips      int       `json:"trips"`
	LastStatus int       `json:"last_status"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Breaker gates background prefetch for every cache index. Fetches that end
// with an authentication, availability or connectivity class status trip it
// and disable prefetch; the next fetch with any other status closes it.
type Breaker struct {
	logger Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewBreaker constructs a Breaker with prefetch enabled.
func NewBreaker(opts ...Option) *Breaker {
	b := &Breaker{
		logger: defaultLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = defaultLogger()
	}
	b.state.Enabled = true
	return b
}

// Observe feeds the status of a completed fetch into the breaker.
func (b *Breaker) Observe(status int) {
	if network.IsRetryable(status) {
		b.Trip(status)
		return
	}
	b.Reset(status)
}

// Trip disables prefetch.
func (b *Breaker) Trip(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.LastStatus = status
	if !b.state.Enabled {
		return
	}
	b.state.Enabled = false
	b.state.Trips++
	b.state.ChangedAt = b.now().UTC()
	b.logger.Warnf("failsafe: prefetch disabled after status %d", status)
}

// Reset enables prefetch.
func (b *Breaker) Reset(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.LastStatus = status
	if b.state.Enabled {
		return
	}
	b.state.Enabled = true
	b.state.ChangedAt = b.now().UTC()
	b.logger.Infof("failsafe: prefetch re-enabled after status %d", status)
}

// Enabled reports whether prefetch may run.
func (b *Breaker) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Enabled
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func defaultLogger() Logger {
	return log.GetLogger("cache-failsafe")
}
