package icloud

import (
	"errors"
	"syncal/internal/models"
	"syncal/internal/provider"
	"testing"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICalRoundTrip_Timed(t *testing.T) {
	summary := "Dentist"
	in := models.ProviderEvent{
		ExternalID:  "uid-1",
		Summary:     &summary,
		Description: "bring card",
		Start:       &models.EventTime{DateTime: "2025-06-01T09:00:00Z"},
		End:         &models.EventTime{DateTime: "2025-06-01T10:00:00Z"},
		Attendees:   []string{"bob@example.com"},
	}

	ve, err := toICal(in)
	require.NoError(t, err)
	out := fromICal(ve)

	assert.Equal(t, models.ProviderICloud, out.Provider)
	assert.Equal(t, "uid-1", out.ExternalID)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "Dentist", *out.Summary)
	assert.Equal(t, "bring card", out.Description)
	assert.Equal(t, "2025-06-01T09:00:00Z", out.Start.DateTime)
	assert.Equal(t, "2025-06-01T10:00:00Z", out.End.DateTime)
	assert.Equal(t, []string{"bob@example.com"}, out.Attendees)
}

func TestToICal_LocalWallTimeInZone(t *testing.T) {
	summary := "Interview"
	ve, err := toICal(models.ProviderEvent{
		ExternalID: "uid-4",
		Summary:    &summary,
		Start:      &models.EventTime{DateTime: "2025-06-05T10:00:00", TimeZone: "Europe/Berlin"},
		End:        &models.EventTime{DateTime: "2025-06-05T11:00:00", TimeZone: "Europe/Berlin"},
	})
	require.NoError(t, err)

	out := fromICal(ve)
	assert.Equal(t, "2025-06-05T08:00:00Z", out.Start.DateTime)
	assert.Equal(t, "2025-06-05T09:00:00Z", out.End.DateTime)

	_, err = toICal(models.ProviderEvent{
		ExternalID: "uid-5",
		Start:      &models.EventTime{DateTime: "2025-06-05T10:00:00", TimeZone: "Mars/Olympus"},
		End:        &models.EventTime{DateTime: "2025-06-05T11:00:00", TimeZone: "Mars/Olympus"},
	})
	assert.Error(t, err)
}

func TestICalRoundTrip_AllDay(t *testing.T) {
	ve, err := toICal(models.ProviderEvent{
		ExternalID: "uid-2",
		Start:      &models.EventTime{Date: "2025-03-01"},
		End:        &models.EventTime{Date: "2025-03-02"},
	})
	require.NoError(t, err)

	out := fromICal(ve)
	assert.Equal(t, "2025-03-01", out.Start.Date)
	assert.Equal(t, "2025-03-02", out.End.Date)
	assert.Nil(t, out.Summary)
}

func TestFromICal_DurationInsteadOfEnd(t *testing.T) {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, "uid-3")
	ve.Props.SetText(ical.PropSummary, "Call")
	ve.Props.SetText(ical.PropDateTimeStart, "20250601T090000Z")
	ve.Props.SetText(ical.PropDuration, "PT30M")

	out := fromICal(ve)
	require.NotNil(t, out.End)
	assert.Equal(t, "2025-06-01T09:30:00Z", out.End.DateTime)
}

func TestFromICal_MissingStartLeftUnset(t *testing.T) {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, "uid-4")

	out := fromICal(ve)
	assert.Nil(t, out.Start)
	assert.Nil(t, out.End)
}

func TestToICal_RejectsMissingTimes(t *testing.T) {
	_, err := toICal(models.ProviderEvent{ExternalID: "x"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, provider.IsPermanent(classify("create", 404, errors.New("not found"))))
	assert.True(t, provider.IsPermanent(classify("create", 403, errors.New("forbidden"))))
	assert.True(t, provider.IsTransient(classify("create", 503, errors.New("busy"))))
	assert.True(t, provider.IsTransient(classify("create", 0, errors.New("dial tcp"))))
}
