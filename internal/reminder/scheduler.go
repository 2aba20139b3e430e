// Package reminder schedules event-bound reminders and keeps their fire times in
// step with the events they belong to.
package reminder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syncal/internal/models"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLeadTime is returned for a negative lead or a fire time already past the grace window.
	ErrInvalidLeadTime = errors.New("invalid lead time")
	// ErrAlreadyFired is reported when rescheduling a reminder that has fired. It is a declined
	// operation rather than a failure.
	ErrAlreadyFired = errors.New("reminder already fired")
	// ErrCancelled is reported when rescheduling a cancelled reminder.
	ErrCancelled = errors.New("reminder cancelled")
	// ErrNotFound is returned for unknown reminder IDs.
	ErrNotFound = errors.New("reminder not found")
)

// Handle identifies a registration with a TimerService.
type Handle int

// TimerService runs callbacks at absolute instants.
type TimerService interface {
	ScheduleAt(at time.Time, fn func()) Handle
	Cancel(h Handle)
}

// Options tunes a Scheduler.
type Options struct {
	// Grace is how far in the past a fire time may lie and still be accepted.
	Grace time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// OnFire performs the reminder's side effect. It runs outside the scheduler lock.
	OnFire func(models.Reminder)
}

type entry struct {
	reminder models.Reminder
	handle   Handle
	gen      int
}

// Scheduler owns reminders from creation until they are fired or cancelled.
type Scheduler struct {
	logger *slog.Logger
	timer  TimerService
	opts   Options

	mu        sync.Mutex
	reminders map[string]*entry
	byEvent   map[models.EventRef]string
}

// NewScheduler creates a reminder scheduler on top of timer.
func NewScheduler(logger *slog.Logger, timer TimerService, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		logger:    logger,
		timer:     timer,
		opts:      opts,
		reminders: make(map[string]*entry),
		byEvent:   make(map[models.EventRef]string),
	}
}

// FireAt computes the fire instant for an event start and lead.
func FireAt(eventStart time.Time, leadMinutes int) time.Time {
	return eventStart.Add(-time.Duration(leadMinutes) * time.Minute).UTC()
}

func (s *Scheduler) validate(fireAt time.Time, leadMinutes int) error {
	if leadMinutes < 0 {
		return fmt.Errorf("%w: lead %d minutes is negative", ErrInvalidLeadTime, leadMinutes)
	}
	if fireAt.Before(s.opts.Now().Add(-s.opts.Grace)) {
		return fmt.Errorf("%w: fire time %s is in the past", ErrInvalidLeadTime, fireAt.Format(time.RFC3339))
	}
	return nil
}

// Schedule creates a reminder firing leadMinutes before eventStart. An event has
// at most one scheduled reminder; scheduling again cancels the previous one and
// forgets it, so only the latest reminder per event is retained.
func (s *Scheduler) Schedule(userID string, ref models.EventRef, eventStart time.Time, leadMinutes int) (models.Reminder, error) {
	fireAt := FireAt(eventStart, leadMinutes)
	if err := s.validate(fireAt, leadMinutes); err != nil {
		return models.Reminder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEvent[ref]; ok {
		s.cancelLocked(s.reminders[id])
		delete(s.reminders, id)
	}

	e := &entry{reminder: models.Reminder{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventRef:    ref,
		FireAt:      fireAt,
		LeadMinutes: leadMinutes,
		Status:      models.ReminderScheduled,
	}}
	s.register(e)
	s.reminders[e.reminder.ID] = e
	s.byEvent[ref] = e.reminder.ID

	s.logger.Debug("Scheduled reminder", "id", e.reminder.ID, "event", ref.String(), "fireAt", fireAt)
	return e.reminder, nil
}

// Reschedule moves a scheduled reminder to follow a new event start, keeping its ID.
// A fired reminder is left untouched and ErrAlreadyFired is returned.
func (s *Scheduler) Reschedule(id string, newEventStart time.Time) (models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reminders[id]
	if !ok {
		return models.Reminder{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch e.reminder.Status {
	case models.ReminderFired:
		return e.reminder, ErrAlreadyFired
	case models.ReminderCancelled:
		return e.reminder, ErrCancelled
	}

	fireAt := FireAt(newEventStart, e.reminder.LeadMinutes)
	if fireAt.Equal(e.reminder.FireAt) {
		return e.reminder, nil
	}
	if err := s.validate(fireAt, e.reminder.LeadMinutes); err != nil {
		return e.reminder, err
	}

	s.timer.Cancel(e.handle)
	e.reminder.FireAt = fireAt
	s.register(e)

	s.logger.Debug("Rescheduled reminder", "id", id, "fireAt", fireAt)
	return e.reminder, nil
}

// Cancel stops a reminder. Cancelling a fired or cancelled reminder is a no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cancelLocked(e)
	return nil
}

// CancelForEvent cancels the active reminder bound to ref, if any.
func (s *Scheduler) CancelForEvent(ref models.EventRef) (models.Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEvent[ref]
	if !ok || s.reminders[id].reminder.Status != models.ReminderScheduled {
		return models.Reminder{}, false
	}
	e := s.reminders[id]
	s.cancelLocked(e)
	return e.reminder, true
}

// Get returns a copy of the reminder with the given ID.
func (s *Scheduler) Get(id string) (models.Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.reminders[id]
	if !ok {
		return models.Reminder{}, false
	}
	return e.reminder, true
}

// ForEvent returns the scheduled reminder bound to ref.
func (s *Scheduler) ForEvent(ref models.EventRef) (models.Reminder, bool) {
	r, ok := s.Latest(ref)
	if !ok || r.Status != models.ReminderScheduled {
		return models.Reminder{}, false
	}
	return r, true
}

// Latest returns the most recent reminder bound to ref in any status.
func (s *Scheduler) Latest(ref models.EventRef) (models.Reminder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEvent[ref]
	if !ok {
		return models.Reminder{}, false
	}
	return s.reminders[id].reminder, true
}

func (s *Scheduler) cancelLocked(e *entry) {
	if e.reminder.Terminal() {
		return
	}
	s.timer.Cancel(e.handle)
	e.gen++
	e.reminder.Status = models.ReminderCancelled
	s.logger.Debug("Cancelled reminder", "id", e.reminder.ID)
}

// register hands e to the timer under a fresh generation so that callbacks from
// earlier registrations are ignored. Caller holds s.mu.
func (s *Scheduler) register(e *entry) {
	e.gen++
	id, gen := e.reminder.ID, e.gen
	e.handle = s.timer.ScheduleAt(e.reminder.FireAt, func() { s.fire(id, gen) })
}

// fire is the timer callback. The status is re-checked under the lock because a
// cancel or reschedule may have raced the timer.
func (s *Scheduler) fire(id string, gen int) {
	s.mu.Lock()
	e, ok := s.reminders[id]
	if !ok || e.gen != gen || e.reminder.Status != models.ReminderScheduled {
		s.mu.Unlock()
		return
	}
	e.reminder.Status = models.ReminderFired
	fired := e.reminder
	s.mu.Unlock()

	s.logger.Info("Reminder fired", "id", fired.ID, "userID", fired.UserID, "event", fired.EventRef.String())
	if s.opts.OnFire != nil {
		s.opts.OnFire(fired)
	}
}
