package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pats/pats/internal/platform/keylock"
)

// DefaultSweepSchedule runs the reminder sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

const sweepLockKey = "reminder-sweep"

// ReminderWorker runs the reminder sweep on a cron schedule. Overlapping
// ticks are skipped, and the sweep lock keeps other instances out.
type ReminderWorker struct {
	scheduler *ReminderScheduler
	locker    keylock.Locker
	cron      *cron.Cron
	logger    zerolog.Logger
	observers []SweepObserver

	mu  sync.Mutex
	ctx context.Context
}

func NewReminderWorker(scheduler *ReminderScheduler, locker keylock.Locker, schedule string, logger zerolog.Logger) (*ReminderWorker, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	w := &ReminderWorker{
		scheduler: scheduler,
		locker:    locker,
		logger:    logger.With().Str("component", "reminder-worker").Logger(),
		ctx:       context.Background(),
	}
	cl := cronLogger{logger: w.logger}
	w.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	if _, err := w.cron.AddFunc(schedule, w.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return w, nil
}

// SweepObserver is told the outcome of every completed sweep.
type SweepObserver interface {
	ObserveSweep(SweepResult)
}

// Observe registers o. Call before Start.
func (w *ReminderWorker) Observe(o SweepObserver) {
	w.observers = append(w.observers, o)
}

// Start begins ticking and stops once ctx is cancelled.
func (w *ReminderWorker) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	w.cron.Start()
	w.logger.Info().Msg("reminder worker started")
	go func() {
		<-ctx.Done()
		<-w.cron.Stop().Done()
		w.logger.Info().Msg("reminder worker stopped")
	}()
}

func (w *ReminderWorker) tick() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, keylock.ErrNotAcquired) {
		w.logger.Error().Err(err).Msg("reminder sweep failed")
	}
}

// RunOnce performs one sweep if no other instance holds the sweep lock.
func (w *ReminderWorker) RunOnce(ctx context.Context) (SweepResult, error) {
	unlock, err := w.locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		if errors.Is(err, keylock.ErrNotAcquired) {
			w.logger.Debug().Msg("sweep already running elsewhere")
		}
		return SweepResult{}, err
	}
	defer unlock()

	res, err := w.scheduler.Sweep(ctx)
	if err != nil {
		return res, err
	}
	for _, o := range w.observers {
		o.ObserveSweep(res)
	}
	return res, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
