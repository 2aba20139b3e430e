package reminder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CronTimer is a TimerService backed by one-shot cron entries.
type CronTimer struct {
	mu   sync.Mutex
	cron *cron.Cron
}

// NewCronTimer creates a timer. Call Start before relying on callbacks.
func NewCronTimer(logger *slog.Logger) *CronTimer {
	return &CronTimer{
		cron: cron.New(cron.WithLocation(time.UTC), cron.WithLogger(NewCronLogger(logger))),
	}
}

// Start begins dispatching callbacks.
func (t *CronTimer) Start() {
	t.cron.Start()
}

// Stop halts dispatching and returns a context that is done once running callbacks finish.
func (t *CronTimer) Stop() context.Context {
	return t.cron.Stop()
}

// ScheduleAt runs fn once at the given instant, or immediately if it already passed.
func (t *CronTimer) ScheduleAt(at time.Time, fn func()) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id cron.EntryID
	id = t.cron.Schedule(&oneShot{at: at}, cron.FuncJob(func() {
		fn()
		t.mu.Lock()
		t.cron.Remove(id)
		t.mu.Unlock()
	}))
	return Handle(id)
}

// Cancel removes a pending callback.
func (t *CronTimer) Cancel(h Handle) {
	t.cron.Remove(cron.EntryID(h))
}

// oneShot is a cron.Schedule that yields a single activation.
type oneShot struct {
	at     time.Time
	issued bool
}

func (s *oneShot) Next(now time.Time) time.Time {
	if s.issued {
		return time.Time{}
	}
	s.issued = true
	if s.at.Before(now) {
		return now
	}
	return s.at
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

// NewCronLogger returns a cron.Logger that writes through logger.
func NewCronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
