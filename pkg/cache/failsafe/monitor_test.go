package failsafe_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache/failsafe"
)

var _ failsafe.Logger = (*log.LogHandle)(nil)

type captureLogger struct {
	mu    sync.Mutex
	warns []string
	infos []string
}

func (c *captureLogger) Debugf(string, ...any) {}

func (c *captureLogger) Infof(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, fmt.Sprintf(format, args...))
}

func (c *captureLogger) Warnf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warns = append(c.warns, fmt.Sprintf(format, args...))
}

func (c *captureLogger) Errorf(string, ...any) {}

func TestBreakerTripsOnRetryableStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []int{401, 503, 408, 502, -1, -2} {
		b := failsafe.NewBreaker(failsafe.WithLogger(&captureLogger{}))
		b.Observe(status)
		if b.Enabled() {
			t.Fatalf("status %d should disable prefetch", status)
		}
	}
}

func TestBreakerResetsOnAnyOtherStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []int{200, 204, 304, 404, 500} {
		b := failsafe.NewBreaker(failsafe.WithLogger(&captureLogger{}))
		b.Observe(503)
		b.Observe(status)
		if !b.Enabled() {
			t.Fatalf("status %d should re-enable prefetch", status)
		}
	}
}

func TestBreakerLogsTransitionsOnce(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := failsafe.NewBreaker(failsafe.WithLogger(logger), failsafe.WithClock(func() time.Time { return at }))

	b.Observe(401)
	b.Observe(503)
	b.Observe(200)
	b.Observe(200)

	if len(logger.warns) != 1 {
		t.Fatalf("expected one trip warning, got %v", logger.warns)
	}
	if len(logger.infos) != 1 {
		t.Fatalf("expected one recovery message, got %v", logger.infos)
	}

	state := b.Snapshot()
	if !state.Enabled || state.Trips != 1 || state.LastStatus != 200 {
		t.Fatalf("unexpected state %+v", state)
	}
	if !state.ChangedAt.Equal(at) {
		t.Fatalf("expected ChangedAt %v, got %v", at, state.ChangedAt)
	}
}
