package normalize

import (
	"errors"
	"io"
	"log/slog"
	"syncal/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func strPtr(s string) *string { return &s }

func TestNormalize_AllDay(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize("u1", models.ProviderEvent{
		Provider:   models.ProviderGoogle,
		ExternalID: "g1",
		Summary:    strPtr("Holiday"),
		Start:      &models.EventTime{Date: "2025-03-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), ev.EndTime)
	assert.True(t, ev.AllDay)
}

func TestNormalize_AllDayExclusiveEnd(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize("u1", models.ProviderEvent{
		Provider: models.ProviderGoogle,
		Start:    &models.EventTime{Date: "2025-03-01"},
		End:      &models.EventTime{Date: "2025-03-04"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), ev.EndTime)

	ev, err = n.Normalize("u1", models.ProviderEvent{
		Provider: models.ProviderGoogle,
		Start:    &models.EventTime{Date: "2025-03-01"},
		End:      &models.EventTime{Date: "2025-03-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), ev.EndTime)
}

func TestNormalize_TimedDefaultsToUTC(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize("u1", models.ProviderEvent{
		Provider:   models.ProviderICloud,
		ExternalID: "i1",
		Start:      &models.EventTime{DateTime: "2025-06-01T15:00:00"},
		End:        &models.EventTime{DateTime: "2025-06-01T16:00:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, "UTC", ev.Timezone)
	assert.Equal(t, time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, "", ev.Summary)
}

func TestNormalize_ZonedLocalTime(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize("u1", models.ProviderEvent{
		Provider: models.ProviderGoogle,
		Start:    &models.EventTime{DateTime: "2025-06-01T10:00:00", TimeZone: "America/New_York"},
		End:      &models.EventTime{DateTime: "2025-06-01T11:00:00-04:00", TimeZone: "America/New_York"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), ev.StartTime)
	assert.Equal(t, time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC), ev.EndTime)
	assert.Equal(t, "America/New_York", ev.Timezone)
}

func TestNormalize_Errors(t *testing.T) {
	n := newTestNormalizer()

	tests := []struct {
		name  string
		event models.ProviderEvent
	}{
		{"missing start", models.ProviderEvent{End: &models.EventTime{DateTime: "2025-06-01T11:00:00Z"}}},
		{"missing end", models.ProviderEvent{Start: &models.EventTime{DateTime: "2025-06-01T11:00:00Z"}}},
		{"end before start", models.ProviderEvent{
			Start: &models.EventTime{DateTime: "2025-06-01T11:00:00Z"},
			End:   &models.EventTime{DateTime: "2025-06-01T10:00:00Z"},
		}},
		{"all-day end before start", models.ProviderEvent{
			Start: &models.EventTime{Date: "2025-06-02"},
			End:   &models.EventTime{Date: "2025-06-01"},
		}},
		{"unknown zone", models.ProviderEvent{
			Start: &models.EventTime{DateTime: "2025-06-01T10:00:00", TimeZone: "Mars/Olympus"},
			End:   &models.EventTime{DateTime: "2025-06-01T11:00:00", TimeZone: "Mars/Olympus"},
		}},
		{"garbage", models.ProviderEvent{
			Start: &models.EventTime{DateTime: "tomorrow"},
			End:   &models.EventTime{DateTime: "2025-06-01T11:00:00Z"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize("u1", tt.event)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNormalization))
		})
	}
}

func TestNormalize_Attendees(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize("u1", models.ProviderEvent{
		Start:     &models.EventTime{Date: "2025-03-01"},
		Attendees: []string{"mailto:Bob@Example.com", "alice@example.com", "bob@example.com", " "},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, ev.Attendees)
}

func TestNormalizeAll_SkipsBadEvents(t *testing.T) {
	n := newTestNormalizer()

	events, errs := n.NormalizeAll("u1", []models.ProviderEvent{
		{ExternalID: "ok1", Start: &models.EventTime{Date: "2025-03-01"}},
		{ExternalID: "bad"},
		{ExternalID: "ok2", Start: &models.EventTime{Date: "2025-03-02"}},
	})
	require.Len(t, events, 2)
	assert.Equal(t, "ok1", events[0].ExternalID)
	assert.Equal(t, "ok2", events[1].ExternalID)
	require.Len(t, errs, 1)
	var nerr *Error
	require.True(t, errors.As(errs[0], &nerr))
	assert.Equal(t, "bad", nerr.Ref.ExternalID)
}
