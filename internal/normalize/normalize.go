// Package normalize converts provider event payloads into canonical events.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"syncal/internal/models"
	"time"
)

// ErrNormalization is matched by every *Error.
var ErrNormalization = errors.New("normalization error")

// Error reports a malformed provider payload.
type Error struct {
	Ref    models.EventRef
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot normalize event %s: %s", e.Ref, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrNormalization }

// Normalizer converts ProviderEvents into CanonicalEvents.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize converts one provider event.
func (n *Normalizer) Normalize(userID string, pe models.ProviderEvent) (models.CanonicalEvent, error) {
	ref := models.EventRef{Provider: pe.Provider, ExternalID: pe.ExternalID}
	fail := func(format string, args ...any) (models.CanonicalEvent, error) {
		return models.CanonicalEvent{}, &Error{Ref: ref, Reason: fmt.Sprintf(format, args...)}
	}

	if pe.Start == nil || (pe.Start.Date == "" && pe.Start.DateTime == "") {
		return fail("missing start")
	}

	ev := models.CanonicalEvent{
		Provider:    pe.Provider,
		ExternalID:  pe.ExternalID,
		UserID:      userID,
		Description: pe.Description,
		Attendees:   normalizeAttendees(pe.Attendees),
	}
	if pe.Summary != nil {
		ev.Summary = *pe.Summary
	}

	if pe.Start.DateTime == "" {
		start, end, err := allDayRange(pe.Start, pe.End)
		if err != nil {
			return fail("%v", err)
		}
		ev.StartTime, ev.EndTime, ev.AllDay = start, end, true
		ev.Timezone = "UTC"
	} else {
		if pe.End == nil || (pe.End.Date == "" && pe.End.DateTime == "") {
			return fail("missing end")
		}
		start, tz, err := parseDateTime(pe.Start)
		if err != nil {
			return fail("start: %v", err)
		}
		end, _, err := parseDateTime(pe.End)
		if err != nil {
			return fail("end: %v", err)
		}
		ev.StartTime, ev.EndTime, ev.Timezone = start, end, tz
	}

	if ev.EndTime.Before(ev.StartTime) {
		return fail("end %s is before start %s", ev.EndTime.Format(time.RFC3339), ev.StartTime.Format(time.RFC3339))
	}

	if pe.Updated != "" {
		if t, err := time.Parse(time.RFC3339, pe.Updated); err == nil {
			ev.LastModified = t.UTC()
		}
	}

	return ev, nil
}

// NormalizeAll converts a snapshot. Events that fail are skipped and their
// errors returned alongside the successfully normalized events.
func (n *Normalizer) NormalizeAll(userID string, events []models.ProviderEvent) ([]models.CanonicalEvent, []error) {
	out := make([]models.CanonicalEvent, 0, len(events))
	var errs []error
	for _, pe := range events {
		ev, err := n.Normalize(userID, pe)
		if err != nil {
			n.logger.Warn("Skipping malformed event", "userID", userID, "provider", pe.Provider, "id", pe.ExternalID, "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, ev)
	}
	return out, errs
}

// allDayRange maps date-only values to midnight UTC boundaries. A missing end, or
// one equal to the start date, covers the single start day.
func allDayRange(start, end *models.EventTime) (time.Time, time.Time, error) {
	s, err := time.Parse(time.DateOnly, start.Date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q", start.Date)
	}
	next := s.AddDate(0, 0, 1)
	if end == nil || (end.Date == "" && end.DateTime == "") {
		return s, next, nil
	}
	if end.Date == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("all-day start with timed end %q", end.DateTime)
	}
	e, err := time.Parse(time.DateOnly, end.Date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q", end.Date)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", end.Date, start.Date)
	}
	if e.Equal(s) {
		return s, next, nil
	}
	return s, e, nil
}

// parseDateTime returns the instant in UTC plus the zone name it was expressed in.
func parseDateTime(et *models.EventTime) (time.Time, string, error) {
	if et.DateTime == "" {
		return time.Time{}, "", fmt.Errorf("date-only value %q mixed with timed event", et.Date)
	}

	loc := time.UTC
	tz := "UTC"
	if et.TimeZone != "" {
		l, err := time.LoadLocation(et.TimeZone)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("unknown timezone %q", et.TimeZone)
		}
		loc, tz = l, et.TimeZone
	}

	if t, err := time.Parse(time.RFC3339, et.DateTime); err == nil {
		return t.UTC(), tz, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", et.DateTime, loc)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid date-time %q", et.DateTime)
	}
	return t.UTC(), tz, nil
}

func normalizeAttendees(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(a, "mailto:")))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
