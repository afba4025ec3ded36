package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs one pass over all eligible accounts
type Sweeper interface {
	Sweep(ctx context.Context) ([]*SyncRun, error)
}

// ScheduleState is the scheduler's only cross-tick state
type ScheduleState struct {
	IsRunning           bool      `json:"is_running"`
	LastTickAt          time.Time `json:"last_tick_at"`
	LastSweepStartedAt  time.Time `json:"last_sweep_started_at"`
	LastSweepFinishedAt time.Time `json:"last_sweep_finished_at"`
	SkippedTicks        int       `json:"skipped_ticks"`
	ConsecutiveSkips    int       `json:"consecutive_skips"`
	LastSweepRuns       int       `json:"last_sweep_runs"`
	LastSweepFailed     int       `json:"last_sweep_failed"`
	LastSweepError      string    `json:"last_sweep_error,omitempty"`
}

// SchedulerConfig tunes a Scheduler
type SchedulerConfig struct {
	Interval     time.Duration
	SweepTimeout time.Duration
	// SkipAlertThreshold is the number of consecutive skipped ticks that triggers
	// one alert; 0 disables alerting
	SkipAlertThreshold int
	Now                func() time.Time
}

// Scheduler drives sweeps on a fixed interval. A tick that finds a sweep
// still running is skipped, never queued.
type Scheduler struct {
	sweeper  Sweeper
	notifier Notifier
	config   SchedulerConfig
	logger   *slog.Logger

	mu    sync.Mutex
	state ScheduleState
	wg    sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(sweeper Sweeper, notifier Notifier, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Scheduler{
		sweeper:  sweeper,
		notifier: notifier,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Run ticks immediately and then every interval until ctx is done. It returns
// after the in-flight sweep has stopped.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.config.Interval)

	s.Tick(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight sweep")
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a sweep in the background unless one is already running.
// It reports whether a sweep was started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	started, alertSkips, runningSince := s.acquire()
	if !started {
		if alertSkips > 0 {
			s.alertStuck(ctx, alertSkips, runningSince)
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep(ctx)
	}()
	return true
}

// Wait blocks until the current sweep, if any, has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// State returns a snapshot of the schedule state
func (s *Scheduler) State() ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// acquire marks the scheduler running. When a sweep is already running the tick
// is counted as skipped; alertSkips is non-zero exactly once per stuck sweep.
func (s *Scheduler) acquire() (started bool, alertSkips int, runningSince time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	s.state.LastTickAt = now

	if s.state.IsRunning {
		s.state.SkippedTicks++
		s.state.ConsecutiveSkips++
		s.logger.Warn("previous sweep still running, skipping tick",
			"running_since", s.state.LastSweepStartedAt,
			"consecutive_skips", s.state.ConsecutiveSkips)
		if s.config.SkipAlertThreshold > 0 && s.state.ConsecutiveSkips == s.config.SkipAlertThreshold {
			return false, s.state.ConsecutiveSkips, s.state.LastSweepStartedAt
		}
		return false, 0, time.Time{}
	}

	s.state.IsRunning = true
	s.state.ConsecutiveSkips = 0
	s.state.LastSweepStartedAt = now
	return true, 0, time.Time{}
}

func (s *Scheduler) release(runs []*SyncRun, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.IsRunning = false
	s.state.LastSweepFinishedAt = s.config.Now()
	s.state.LastSweepRuns = len(runs)
	s.state.LastSweepFailed = 0
	for _, run := range runs {
		if run.Outcome == OutcomeFailed {
			s.state.LastSweepFailed++
		}
	}
	s.state.LastSweepError = ""
	if err != nil {
		s.state.LastSweepError = err.Error()
	}
}

// sweep runs one sweep; errors and panics are logged and never escape
func (s *Scheduler) sweep(ctx context.Context) {
	var (
		runs []*SyncRun
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("sweep panicked", "panic", r)
		}
		s.release(runs, err)
	}()

	sweepCtx := ctx
	if s.config.SweepTimeout > 0 {
		var cancel context.CancelFunc
		sweepCtx, cancel = context.WithTimeout(ctx, s.config.SweepTimeout)
		defer cancel()
	}

	started := time.Now()
	s.logger.Info("sweep started")

	runs, err = s.sweeper.Sweep(sweepCtx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}

	failed := 0
	for _, run := range runs {
		if run.Outcome == OutcomeFailed {
			failed++
		}
	}
	s.logger.Info("sweep finished", "accounts", len(runs), "failed", failed, "duration", time.Since(started))
}

func (s *Scheduler) alertStuck(ctx context.Context, skipped int, runningSince time.Time) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.NotifySweepStuck(alertCtx, skipped, runningSince); err != nil {
		s.logger.Warn("failed to send stuck sweep alert", "error", err)
	}
}
