package models

import "time"

// Provider identifies a calendar backend.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderICloud Provider = "icloud"
)

// EventRef points at one event on one provider.
type EventRef struct {
	Provider   Provider
	ExternalID string
}

func (r EventRef) String() string {
	return string(r.Provider) + "/" + r.ExternalID
}

// EventTime is a provider's start or end value before normalization.
// Exactly one of Date or DateTime is expected to be set.
type EventTime struct {
	Date     string // "2006-01-02" for all-day events
	DateTime string // RFC3339, or "2006-01-02T15:04:05" interpreted in TimeZone
	TimeZone string // IANA zone name, optional
}

// ReminderRequest asks for a reminder to be bound to a newly created event.
type ReminderRequest struct {
	LeadMinutes int
}

// ProviderEvent is the raw event payload exchanged with a provider client.
type ProviderEvent struct {
	Provider    Provider
	ExternalID  string
	Summary     *string
	Description string
	Start       *EventTime
	End         *EventTime
	Attendees   []string
	Updated     string // RFC3339 last-modified stamp, optional
	Reminder    *ReminderRequest
}

// CanonicalEvent represents a calendar event independent of any specific provider.
// It is derived fresh from every fetch and never persisted.
type CanonicalEvent struct {
	Provider     Provider
	ExternalID   string
	UserID       string
	Summary      string
	Description  string
	StartTime    time.Time // UTC
	EndTime      time.Time // UTC
	Timezone     string
	Attendees    []string // sorted, de-duplicated, lower-cased
	LastModified time.Time
	AllDay       bool
}

// Ref returns the event's provider reference.
func (e CanonicalEvent) Ref() EventRef {
	return EventRef{Provider: e.Provider, ExternalID: e.ExternalID}
}

// ToProviderEvent converts the canonical event back into a payload suitable for
// creating it on another provider.
func (e CanonicalEvent) ToProviderEvent(p Provider) ProviderEvent {
	summary := e.Summary
	pe := ProviderEvent{
		Provider:    p,
		Summary:     &summary,
		Description: e.Description,
		Attendees:   append([]string(nil), e.Attendees...),
	}
	if e.AllDay {
		pe.Start = &EventTime{Date: e.StartTime.Format(time.DateOnly)}
		pe.End = &EventTime{Date: e.EndTime.Format(time.DateOnly)}
	} else {
		pe.Start = &EventTime{DateTime: e.StartTime.Format(time.RFC3339), TimeZone: e.Timezone}
		pe.End = &EventTime{DateTime: e.EndTime.Format(time.RFC3339), TimeZone: e.Timezone}
	}
	return pe
}

// DateRange is a half-open [Start, End) window of UTC instants.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NextDays returns the range from now to now+days.
func NextDays(now time.Time, days int) DateRange {
	now = now.UTC()
	return DateRange{Start: now, End: now.AddDate(0, 0, days)}
}

// Contains reports whether t lies inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}
