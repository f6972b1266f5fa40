// Package scheduler drives periodic subscription maintenance: renewal of
// expiring subscriptions and cleanup of abandoned cache records.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/chatwatch/internal/backoff"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/metrics"
	"github.com/nkkko/chatwatch/internal/timer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Renewer is the maintenance surface of the lifecycle controller
type Renewer interface {
	RenewAll(ctx context.Context) error
	SweepInactive(ctx context.Context, threshold time.Time) (int, error)
}

// Config contains scheduler configuration
type Config struct {
	// Interval policy: Base between healthy passes, growing after failures
	Policy backoff.Policy

	// Cache records idle for longer than this are swept
	InactivityWindow time.Duration

	// Subscription lifetime; the sweep window never exceeds it
	Lifetime time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Policy:           backoff.SchedulerPolicy(),
		InactivityWindow: 10 * time.Minute,
		Lifetime:         10 * time.Minute,
	}
}

// Scheduler runs at most one maintenance pass at a time on a timer
type Scheduler struct {
	config  Config
	renewer Renewer
	timer   *timer.Timer
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	running atomic.Bool

	mu       sync.Mutex
	ctx      context.Context
	handle   *timer.Handle
	failures int
	started  bool
	halted   bool
	paused   bool
	closed   bool
}

// New creates a scheduler. A nil timer gets a private one.
func New(config Config, renewer Renewer, tm *timer.Timer) *Scheduler {
	defaults := DefaultConfig()
	if config.Policy.Base <= 0 {
		config.Policy = defaults.Policy
	}
	if config.InactivityWindow <= 0 {
		config.InactivityWindow = defaults.InactivityWindow
	}
	if config.Lifetime <= 0 {
		config.Lifetime = defaults.Lifetime
	}
	if tm == nil {
		tm = timer.New()
	}

	return &Scheduler{
		config:  config,
		renewer: renewer,
		timer:   tm,
		now:     time.Now,
		logger:  log.With().Str("component", "scheduler").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Start schedules the first pass immediately. Later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true
	s.ctx = ctx
	if !s.paused {
		s.scheduleLocked(0)
	}
}

// Tick runs one pass unless another is in progress, in which case it
// returns false without waiting.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		s.logger.Debug().Msg("Maintenance pass still running, skipping tick")
		return false, nil
	}
	defer s.running.Store(false)

	err := s.renewer.RenewAll(ctx)

	if n, sweepErr := s.renewer.SweepInactive(ctx, s.sweepThreshold()); sweepErr != nil {
		s.logger.Warn().Err(sweepErr).Msg("Inactive sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("groups", n).Msg("Swept inactive subscription groups")
	}

	switch {
	case err == nil:
		s.metrics.SchedulerTicks.WithLabelValues("success").Inc()
	case domain.IsPermanent(err):
		s.metrics.SchedulerTicks.WithLabelValues("permanent").Inc()
	default:
		s.metrics.SchedulerTicks.WithLabelValues("transient").Inc()
	}
	return true, err
}

// sweepThreshold is now minus the inactivity window, capped by the lifetime
func (s *Scheduler) sweepThreshold() time.Time {
	window := s.config.InactivityWindow
	if s.config.Lifetime < window {
		window = s.config.Lifetime
	}
	return s.now().Add(-window)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	idle := s.closed || s.paused
	s.mu.Unlock()

	if idle || ctx.Err() != nil {
		return
	}

	ran, err := s.Tick(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.paused {
		return
	}
	if ran {
		switch {
		case err == nil:
			s.failures = 0
		case domain.IsPermanent(err):
			s.halted = true
			s.logger.Error().Err(err).Msg("Permanent failure, scheduling stopped until the next ensure")
			return
		default:
			s.failures++
			s.logger.Warn().Err(err).Int("failures", s.failures).Msg("Maintenance pass failed")
		}
	}
	if s.halted {
		return
	}
	s.scheduleLocked(s.delayLocked())
}

func (s *Scheduler) delayLocked() time.Duration {
	return s.config.Policy.Delay(s.failures)
}

func (s *Scheduler) scheduleLocked(d time.Duration) {
	if s.handle != nil {
		s.handle.Stop()
	}
	s.metrics.SchedulerInterval.Set(d.Seconds())
	s.handle = s.timer.AfterFunc(d, s.fire)
}

// NextDelay returns the delay the scheduler uses after the current pass
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayLocked()
}

// Pause cancels the pending pass until the next Resume. A pass already
// running completes but does not reschedule.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.paused {
		return
	}
	s.paused = true
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.logger.Debug().Msg("Scheduling paused")
}

// Paused reports whether Pause stopped scheduling
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resume restarts a scheduler halted by a permanent failure or paused
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !(s.halted || s.paused) || s.closed {
		return
	}
	s.halted = false
	s.paused = false
	s.failures = 0
	s.logger.Info().Msg("Scheduling resumed")
	if s.started {
		s.scheduleLocked(0)
	}
}

// Halted reports whether a permanent failure stopped scheduling
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Stop cancels the pending pass. A pass already running completes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
}
