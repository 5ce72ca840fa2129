// Package scheduler periodically cleans expired cache entries and prefetches
// the rest.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/valandreev/restcache/log"
)

// TriggerReason represents the source motivating a maintenance run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonStartup is the first pass after the engine starts.
	TriggerReasonStartup TriggerReason = "startup"
	// TriggerReasonManual is a pass requested by an operator.
	TriggerReasonManual TriggerReason = "manual"
)

// Trigger describes a request to run maintenance.
type Trigger struct {
	Reason TriggerReason
}

// Config controls scheduler behaviour.
type Config struct {
	// Interval between periodic passes.
	Interval time.Duration
	// CleanDelay separates the clean pass from the prefetch pass so removals
	// run before new downloads start.
	CleanDelay time.Duration
	// InitialDelay postpones the startup pass.
	InitialDelay time.Duration
	// DisablePrefetch keeps cleaning but never prefetches.
	DisablePrefetch bool
}

// Report summarises a run.
type Report struct {
	Trigger         Trigger
	Cleaned         int
	Prefetched      int
	PrefetchSkipped bool
}

// Maintainer schedules clean and prefetch passes over a set of indexes and
// returns how many indexes it scheduled.
type Maintainer interface {
	CleanIndexes() int
	PreFetchIndexes() int
}

// Logger captures structured output for the scheduler.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Option customises scheduler construction.
type Option func(*Scheduler)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSleeper overrides the sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(s *Scheduler) {
		s.sleeper = sleeper
	}
}

// Scheduler runs maintenance passes.
type Scheduler struct {
	cfg     Config
	target  Maintainer
	logger  Logger
	sleeper Sleeper

	mu sync.Mutex
}

// New constructs a scheduler.
func New(cfg Config, target Maintainer, opts ...Option) (*Scheduler, error) {
	if target == nil {
		return nil, errors.New("cache scheduler: maintainer is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.CleanDelay < 0 {
		cfg.CleanDelay = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}

	s := &Scheduler{
		cfg:     cfg,
		target:  target,
		logger:  log.GetLogger("cache-scheduler"),
		sleeper: contextSleeper{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger("cache-scheduler")
	}
	if s.sleeper == nil {
		s.sleeper = contextSleeper{}
	}
	return s, nil
}

// RunOnce schedules a clean pass, waits CleanDelay and schedules a prefetch
// pass.
func (s *Scheduler) RunOnce(ctx context.Context, trigger Trigger) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Trigger: trigger}
	report.Cleaned = s.target.CleanIndexes()

	if s.cfg.DisablePrefetch {
		report.PrefetchSkipped = true
		return report, nil
	}
	if s.cfg.CleanDelay > 0 {
		if err := s.sleeper.Sleep(ctx, s.cfg.CleanDelay); err != nil {
			return report, err
		}
	}

	report.Prefetched = s.target.PreFetchIndexes()
	report.PrefetchSkipped = report.Prefetched == 0
	s.logger.Debugf("cache scheduler: %s pass cleaned %d and prefetched %d indexes",
		trigger.Reason, report.Cleaned, report.Prefetched)
	return report, nil
}

// RunBackground runs a startup pass after InitialDelay and then one pass per
// Interval until ctx is cancelled. Manual triggers run immediately.
func (s *Scheduler) RunBackground(ctx context.Context, triggers <-chan Trigger) error {
	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	run := func(trigger Trigger) {
		if _, err := s.RunOnce(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warnf("cache scheduler %s run failed: %v", trigger.Reason, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-initial.C:
			run(Trigger{Reason: TriggerReasonStartup})
		case <-ticker.C:
			run(Trigger{Reason: TriggerReasonMaintenance})
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			run(trigger)
		}
	}
}

type contextSleeper struct{}

func (contextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
