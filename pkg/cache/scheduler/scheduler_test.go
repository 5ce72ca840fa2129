package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/restcache/pkg/cache/scheduler"
)

type fakeMaintainer struct {
	mu     sync.Mutex
	events []string
}

func (m *fakeMaintainer) CleanIndexes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "clean")
	return 2
}

func (m *fakeMaintainer) PreFetchIndexes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "prefetch")
	return 2
}

func (m *fakeMaintainer) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

type recordingSleeper struct {
	target *fakeMaintainer
	err    error
	slept  []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	s.target.mu.Lock()
	s.target.events = append(s.target.events, "sleep")
	s.target.mu.Unlock()
	return s.err
}

func TestRunOnceCleansThenPrefetches(t *testing.T) {
	t.Parallel()

	target := &fakeMaintainer{}
	sleeper := &recordingSleeper{target: target}
	s, err := scheduler.New(scheduler.Config{CleanDelay: time.Minute}, target, scheduler.WithSleeper(sleeper))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	report, err := s.RunOnce(context.Background(), scheduler.Trigger{Reason: scheduler.TriggerReasonManual})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.Cleaned != 2 || report.Prefetched != 2 || report.PrefetchSkipped {
		t.Fatalf("unexpected report %+v", report)
	}

	got := target.snapshot()
	want := []string{"clean", "sleep", "prefetch"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(sleeper.slept) != 1 || sleeper.slept[0] != time.Minute {
		t.Fatalf("expected one clean delay, got %v", sleeper.slept)
	}
}

func TestRunOnceStopsWhenDelayInterrupted(t *testing.T) {
	t.Parallel()

	target := &fakeMaintainer{}
	sleeper := &recordingSleeper{target: target, err: context.Canceled}
	s, err := scheduler.New(scheduler.Config{CleanDelay: time.Minute}, target, scheduler.WithSleeper(sleeper))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	_, err = s.RunOnce(context.Background(), scheduler.Trigger{Reason: scheduler.TriggerReasonManual})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, e := range target.snapshot() {
		if e == "prefetch" {
			t.Fatalf("prefetch must not run after an interrupted delay")
		}
	}
}

func TestRunOnceWithPrefetchDisabled(t *testing.T) {
	t.Parallel()

	target := &fakeMaintainer{}
	s, err := scheduler.New(scheduler.Config{DisablePrefetch: true}, target)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	report, err := s.RunOnce(context.Background(), scheduler.Trigger{Reason: scheduler.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if !report.PrefetchSkipped || report.Prefetched != 0 {
		t.Fatalf("expected prefetch skipped, got %+v", report)
	}
}

func TestRunBackgroundRunsStartupAndManualPasses(t *testing.T) {
	t.Parallel()

	target := &fakeMaintainer{}
	s, err := scheduler.New(scheduler.Config{
		Interval:     time.Hour,
		InitialDelay: 10 * time.Millisecond,
	}, target)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan scheduler.Trigger, 1)
	done := make(chan error, 1)
	go func() { done <- s.RunBackground(ctx, triggers) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(target.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("startup pass did not run: %v", target.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	triggers <- scheduler.Trigger{Reason: scheduler.TriggerReasonManual}
	for len(target.snapshot()) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("manual pass did not run: %v", target.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewRequiresMaintainer(t *testing.T) {
	t.Parallel()

	if _, err := scheduler.New(scheduler.Config{}, nil); err == nil {
		t.Fatalf("expected error for nil maintainer")
	}
}
