package kafkahealth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// mockRunner is a HealthRunner for scheduler tests.
type mockRunner struct {
	calls   atomic.Int64
	runFunc func(ctx context.Context) Report
}

func (m *mockRunner) Run(ctx context.Context) Report {
	m.calls.Add(1)
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return Report{Cluster: "kafka", Severity: SeverityOK}
}

// panicRunner is a runner that panics.
type panicRunner struct{}

func (panicRunner) Run(context.Context) Report {
	panic("test panic")
}

func newTestScheduler(t *testing.T, runner HealthRunner, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	all := append([]SchedulerOption{WithSchedulerLogger(testLogger)}, opts...)
	s, err := NewScheduler(runner, all...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewScheduler_Options(t *testing.T) {
	if _, err := NewScheduler(nil); err == nil {
		t.Error("expected error for nil runner")
	}
	bad := map[string]SchedulerOption{
		"bad cron":       WithSchedule("every minute"),
		"short interval": WithInterval(500 * time.Millisecond),
	}
	for name, opt := range bad {
		if _, err := NewScheduler(&mockRunner{}, opt); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	good := []SchedulerOption{WithSchedule("*/5 * * * *"), WithSchedule("@hourly"), WithInterval(30 * time.Second)}
	for _, opt := range good {
		if _, err := NewScheduler(&mockRunner{}, opt); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestScheduler_DefaultSchedule(t *testing.T) {
	s := newTestScheduler(t, &mockRunner{})
	if s.schedule != "@every 1m0s" {
		t.Errorf("unexpected default schedule %q", s.schedule)
	}
}

func TestScheduler_StartRunsImmediately(t *testing.T) {
	runner := &mockRunner{}
	s := newTestScheduler(t, runner, WithSchedule("@hourly"))

	if _, ok := s.Last(); ok {
		t.Error("Last must report false before the first run")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = s.Stop() }()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.Last()
		return ok
	})
	report, _ := s.Last()
	if report.Cluster != "kafka" {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestScheduler_Interval(t *testing.T) {
	runner := &mockRunner{}
	s := newTestScheduler(t, runner, WithInterval(time.Second))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	defer func() { _ = s.Stop() }()

	waitFor(t, 5*time.Second, func() bool { return runner.calls.Load() >= 2 })
}

func TestScheduler_DoubleStart(t *testing.T) {
	s := newTestScheduler(t, &mockRunner{}, WithSchedule("@hourly"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start should not return an error: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got: %v", err)
	}
}

func TestScheduler_Stop(t *testing.T) {
	s := newTestScheduler(t, &mockRunner{}, WithSchedule("@hourly"))

	if err := s.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got: %v", err)
	}
	_ = s.Start(context.Background())

	// Repeated Stop is no-op.
	if err := s.Stop(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("unexpected error on second Stop: %v", err)
	}
}

func TestScheduler_StopCancelsRun(t *testing.T) {
	entered := make(chan struct{})
	runner := &mockRunner{runFunc: func(ctx context.Context) Report {
		close(entered)
		<-ctx.Done()
		return Report{Severity: SeverityError}
	}}
	s := newTestScheduler(t, runner, WithSchedule("@hourly"))
	_ = s.Start(context.Background())
	<-entered

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a run was in progress")
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	runner := &mockRunner{runFunc: func(context.Context) Report {
		entered <- struct{}{}
		<-release
		return Report{}
	}}
	s := newTestScheduler(t, runner, WithSchedule("@hourly"))
	_ = s.Start(context.Background())
	<-entered

	s.tick(context.Background())
	if runner.calls.Load() != 1 {
		t.Errorf("overlapping tick must be skipped, got %d runs", runner.calls.Load())
	}

	close(release)
	_ = s.Stop()
}

func TestScheduler_PanicRecovery(t *testing.T) {
	s := newTestScheduler(t, panicRunner{}, WithSchedule("@hourly"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	_ = s.Stop()

	if _, ok := s.Last(); ok {
		t.Error("a panicked run must not produce a report")
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		t.Error("running flag must be cleared after a panic")
	}
}

func TestScheduler_CanceledParentContext(t *testing.T) {
	runner := &mockRunner{}
	s := newTestScheduler(t, runner, WithSchedule("@hourly"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = s.Start(ctx)
	_ = s.Stop()

	if runner.calls.Load() != 0 {
		t.Errorf("no run must start with a canceled context, got %d", runner.calls.Load())
	}
}
