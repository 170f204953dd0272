package kafkahealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sentinel errors for the scheduler.
var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
)

// DefaultInterval is the run period used when no schedule is configured.
const DefaultInterval = time.Minute

// HealthRunner performs one health run. *Prober implements it.
type HealthRunner interface {
	Run(ctx context.Context) Report
}

// Scheduler repeats health runs on a cron schedule and keeps the latest
// report. Runs never overlap: a tick that fires while a run is still in
// progress is skipped.
type Scheduler struct {
	runner   HealthRunner
	schedule string
	logger   *slog.Logger

	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex

	runMu   sync.Mutex
	running bool
	last    *Report
}

// SchedulerOption is a functional option for Scheduler.
type SchedulerOption func(*schedulerConfig) error

type schedulerConfig struct {
	schedule string
	logger   *slog.Logger
}

// WithSchedule sets a cron expression (five fields or a descriptor such
// as "@hourly").
func WithSchedule(spec string) SchedulerOption {
	return func(c *schedulerConfig) error {
		spec = strings.TrimSpace(spec)
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		c.schedule = spec
		return nil
	}
}

// WithInterval runs every d, starting one period after the first run.
func WithInterval(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) error {
		if d < time.Second {
			return fmt.Errorf("interval %s below 1s", d)
		}
		c.schedule = "@every " + d.String()
		return nil
	}
}

// WithSchedulerLogger sets the logger for the scheduler.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) error {
		c.logger = l
		return nil
	}
}

// NewScheduler creates a new scheduler for runner.
func NewScheduler(runner HealthRunner, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("kafkahealth: nil health runner")
	}
	cfg := schedulerConfig{
		schedule: "@every " + DefaultInterval.String(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		if err := o(&cfg); err != nil {
			return nil, fmt.Errorf("kafkahealth: %w", err)
		}
	}
	return &Scheduler{
		runner:   runner,
		schedule: cfg.schedule,
		logger:   cfg.logger,
	}, nil
}

// Start runs once immediately, then on every tick of the schedule.
// Calling Start more than once returns an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	id, err := c.AddFunc(s.schedule, func() { s.tick(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("kafkahealth: schedule %q: %w", s.schedule, err)
	}
	s.started = true
	s.cancel = cancel
	s.cron = c

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(ctx)
	}()
	c.Start()

	s.logger.LogAttrs(ctx, slog.LevelInfo, "kafkahealth: scheduler started",
		slog.String("schedule", s.schedule), slog.Time("next", c.Entry(id).Next))
	return nil
}

// Stop cancels the in-flight run, stops the schedule and waits for every
// run to finish. Repeated calls are no-op; Stop before Start returns
// ErrNotStarted.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
	s.logger.Info("kafkahealth: scheduler stopped")
	return nil
}

// Last returns the most recent report. The second value is false until the
// first run completes.
func (s *Scheduler) Last() (Report, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// tick performs one run unless a previous one is still in progress.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		s.logger.LogAttrs(ctx, slog.LevelWarn, "kafkahealth: previous run still in progress, skipping")
		return
	}
	s.running = true
	s.runMu.Unlock()

	report, err := s.safeRun(ctx)

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running = false
	if err != nil {
		return
	}
	s.last = &report
}

// safeRun calls runner.Run with panic recovery.
func (s *Scheduler) safeRun(ctx context.Context) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in health run: %v", r)
			s.logger.Error("kafkahealth: panic in health run", "panic", r)
		}
	}()
	return s.runner.Run(ctx), nil
}
