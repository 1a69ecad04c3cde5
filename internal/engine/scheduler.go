package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/stockdash/internal/config"
	"github.com/BadgerOps/stockdash/internal/store"
)

// ErrSchedulerRunning is returned by StartScheduler when a scheduler is
// already active in this process.
var ErrSchedulerRunning = errors.New("scheduler already running")

// DefaultTickInterval is how often the scheduler wakes.
const DefaultTickInterval = time.Minute

var activeScheduler atomic.Pointer[Scheduler]

// Scheduler fires a daily sync. At most one exists per process.
type Scheduler struct {
	orch     *Orchestrator
	status   *store.StatusFile
	journal  *store.Journal
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	at        config.TimeOfDay
	prevCheck time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SchedulerOptions configures StartScheduler. Zero values use defaults.
type SchedulerOptions struct {
	At       config.TimeOfDay
	Interval time.Duration
	Journal  *store.Journal
	Logger   *slog.Logger

	// now replaces time.Now in tests.
	now func() time.Time
}

// StartScheduler runs catch-up and then the wake loop in a goroutine. The
// loop stops when ctx is cancelled or Shutdown is called.
func StartScheduler(ctx context.Context, orch *Orchestrator, status *store.StatusFile, opts SchedulerOptions) (*Scheduler, error) {
	s := newScheduler(orch, status, opts)
	if !activeScheduler.CompareAndSwap(nil, s) {
		return nil, ErrSchedulerRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.prevCheck = s.now()

	go s.loop(ctx)
	return s, nil
}

func newScheduler(orch *Orchestrator, status *store.StatusFile, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Scheduler{
		orch:     orch,
		status:   status,
		journal:  opts.Journal,
		logger:   opts.Logger,
		interval: opts.Interval,
		now:      opts.now,
		at:       opts.At,
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.writeStatus(s.now(), false)
		activeScheduler.CompareAndSwap(s, nil)
		s.logger.Info("scheduler stopped")
	}()

	s.logger.Info("scheduler started", "time", s.At().String(), "interval", s.interval)
	s.journalf("Scheduler started, daily sync at %s", s.At())

	s.writeStatus(s.now(), true)
	s.safely(func() {
		out, err := s.orch.CatchUp(ctx)
		if err != nil {
			s.logger.Warn("catch-up not run", "error", err)
			return
		}
		if out.RunID != "" {
			s.logger.Info("catch-up finished", "status", out.Status, "kind", out.Kind)
		}
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safely(func() { s.tick(ctx, s.now()) })
		}
	}
}

// tick is one wake: refresh liveness and fire if the scheduled time passed
// since the previous wake.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	at, prev := s.at, s.prevCheck
	s.prevCheck = now
	s.mu.Unlock()

	s.writeStatus(now, true)

	if !due(at, prev, now) {
		return
	}
	s.logger.Info("scheduled sync due", "time", at.String())
	out, err := s.orch.Trigger(ctx, TriggerSchedule)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Warn("scheduled sync skipped: another sync is running")
		s.journalf("Scheduled sync skipped: another sync is running")
	case err != nil:
		s.logger.Warn("scheduled sync not completed", "error", err)
	default:
		s.logger.Debug("scheduled sync finished", "status", out.Status)
	}
}

// due reports whether an occurrence of at lies in (prev, now]. Yesterday's
// occurrence is checked too so a wake spanning midnight is not missed.
func due(at config.TimeOfDay, prev, now time.Time) bool {
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		t := at.On(day)
		if t.After(prev) && !t.After(now) {
			return true
		}
	}
	return false
}

func (s *Scheduler) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler wake panicked", "panic", r)
			s.journalf("Scheduler error: %v", r)
		}
	}()
	fn()
}

// At returns the configured time of day.
func (s *Scheduler) At() config.TimeOfDay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at
}

// NextRun returns the next scheduled fire time after now.
func (s *Scheduler) NextRun() time.Time {
	return s.At().Next(s.now())
}

// Reschedule changes the time of day. It applies from the next wake; an
// already-passed time today does not fire until tomorrow.
func (s *Scheduler) Reschedule(at config.TimeOfDay) {
	now := s.now()
	s.mu.Lock()
	old := s.at
	s.at = at
	s.prevCheck = now
	s.mu.Unlock()

	if old != at {
		s.logger.Info("scheduler rescheduled", "from", old.String(), "to", at.String())
		s.journalf("Schedule changed from %s to %s", old, at)
	}
	s.writeStatus(now, true)
}

// Shutdown stops the loop and waits for it up to ctx. The loop marks the
// worker inactive on exit, whether it stopped here or because the context
// passed to StartScheduler ended. It is safe to call more than once.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for scheduler to stop: %w", ctx.Err())
		}
	})
	return err
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) writeStatus(now time.Time, active bool) {
	st := store.SchedulerStatus{
		LastCheck:    store.Timestamp{Time: now},
		WorkerActive: active,
		NextRun:      store.Timestamp{Time: s.At().Next(now)},
	}
	if err := s.status.Save(st); err != nil {
		s.logger.Warn("failed to write scheduler status", "error", err)
	}
}

func (s *Scheduler) journalf(format string, args ...any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(fmt.Sprintf(format, args...)); err != nil {
		s.logger.Warn("failed to append to journal", "error", err)
	}
}
