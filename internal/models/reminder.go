package models

import "time"

// ReminderStatus is the state of a Reminder.
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderFired     ReminderStatus = "fired"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a time-based callback bound to an event.
// FireAt always equals the bound event's start minus LeadMinutes.
type Reminder struct {
	ID          string
	UserID      string
	EventRef    EventRef
	FireAt      time.Time
	LeadMinutes int
	Status      ReminderStatus
}

// Terminal reports whether no further transitions are possible.
func (r Reminder) Terminal() bool {
	return r.Status == ReminderFired || r.Status == ReminderCancelled
}
