package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"syncal/internal/models"
	"syncal/internal/provider"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	// DefaultEndpoint is the iCloud CalDAV server.
	DefaultEndpoint = "https://caldav.icloud.com/"
)

type statusKey struct{}

// statusRecorder captures the last HTTP status seen for one client call.
type statusRecorder struct {
	code int
}

func withStatusRecorder(ctx context.Context) (context.Context, *statusRecorder) {
	rec := &statusRecorder{}
	return context.WithValue(ctx, statusKey{}, rec), rec
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request and records
// the response status for error classification.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "syncal/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if rec, ok := req.Context().Value(statusKey{}).(*statusRecorder); ok && resp != nil {
		rec.code = resp.StatusCode
	}
	return resp, err
}

// CalDAVClient is a client for interacting with a CalDAV server (iCloud).
// It implements provider.Client for a single calendar collection.
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
	username     string
}

// NewClient creates and initializes a new CalDAVClient, locating the calendar by name.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		username:     username,
	}

	logger.Info("Finding iCloud calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found iCloud calendar", "path", calendarPath)

	return c, nil
}

// Name identifies the provider.
func (c *CalDAVClient) Name() models.Provider {
	return models.ProviderICloud
}

// ListEvents queries the calendar for VEVENTs overlapping the range.
func (c *CalDAVClient) ListEvents(ctx context.Context, userID string, r models.DateRange) ([]models.ProviderEvent, error) {
	ctx, rec := withStatusRecorder(ctx)
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: r.Start, End: r.End}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, classify("list", rec.code, err)
	}

	var out []models.ProviderEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			out = append(out, fromICal(ev.Component))
		}
	}

	c.logger.Info("Successfully fetched events from iCloud", "userID", userID, "count", len(out))
	return out, nil
}

// CreateEvent writes a new calendar object and returns the event with its UID.
func (c *CalDAVClient) CreateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	event.ExternalID = GenerateUID()
	if err := c.put(ctx, "create", event); err != nil {
		return models.ProviderEvent{}, err
	}
	c.logger.Info("Successfully synced event to iCloud", "userID", userID, "uid", event.ExternalID)
	event.Provider = models.ProviderICloud
	return event, nil
}

// UpdateEvent overwrites the calendar object for event.ExternalID.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	if event.ExternalID == "" {
		return models.ProviderEvent{}, provider.NewPermanentError(models.ProviderICloud, "update", 0, errors.New("missing event UID"))
	}
	if err := c.put(ctx, "update", event); err != nil {
		return models.ProviderEvent{}, err
	}
	event.Provider = models.ProviderICloud
	return event, nil
}

// DeleteEvent removes the calendar object for externalID.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, userID, externalID string) error {
	ctx, rec := withStatusRecorder(ctx)
	if err := c.webdavClient.RemoveAll(ctx, c.eventPath(externalID)); err != nil {
		return classify("delete", rec.code, err)
	}
	c.logger.Info("Deleted event from iCloud", "userID", userID, "uid", externalID)
	return nil
}

func (c *CalDAVClient) put(ctx context.Context, op string, event models.ProviderEvent) error {
	vevent, err := toICal(event)
	if err != nil {
		return provider.NewPermanentError(models.ProviderICloud, op, 0, err)
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//syncal//EN")
	cal.Children = append(cal.Children, vevent)

	ctx, rec := withStatusRecorder(ctx)
	if _, err := c.caldavClient.PutCalendarObject(ctx, c.eventPath(event.ExternalID), cal); err != nil {
		return classify(op, rec.code, err)
	}
	return nil
}

func (c *CalDAVClient) eventPath(uid string) string {
	return path.Join(c.calendarPath, uid+".ics")
}

// classify converts CalDAV failures into provider errors using the recorded status.
func classify(op string, status int, err error) error {
	if status >= 400 && provider.ClassifyStatus(status) == provider.Permanent {
		return provider.NewPermanentError(models.ProviderICloud, op, status, err)
	}
	return provider.NewTransientError(models.ProviderICloud, op, status, err)
}

// toICal converts a provider payload to an ical.Component (VEvent).
func toICal(event models.ProviderEvent) (*ical.Component, error) {
	if event.Start == nil || event.End == nil {
		return nil, errors.New("event needs both start and end")
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ExternalID)
	if event.Summary != nil {
		ve.Props.SetText(ical.PropSummary, *event.Summary)
	}
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if err := setEventTime(ve, ical.PropDateTimeStart, event.Start); err != nil {
		return nil, err
	}
	if err := setEventTime(ve, ical.PropDateTimeEnd, event.End); err != nil {
		return nil, err
	}

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}
	return ve, nil
}

func setEventTime(ve *ical.Component, name string, et *models.EventTime) error {
	if et.DateTime == "" {
		d, err := time.Parse(time.DateOnly, et.Date)
		if err != nil {
			return fmt.Errorf("invalid %s date %q", name, et.Date)
		}
		ve.Props.SetDate(name, d)
		return nil
	}
	t, err := parseDateTime(et)
	if err != nil {
		return fmt.Errorf("invalid %s date-time %q: %w", name, et.DateTime, err)
	}
	ve.Props.SetDateTime(name, t.UTC())
	return nil
}

// parseDateTime reads an RFC3339 value, or a local wall time in et.TimeZone.
func parseDateTime(et *models.EventTime) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, et.DateTime); err == nil {
		return t, nil
	}
	loc := time.UTC
	if et.TimeZone != "" {
		l, err := time.LoadLocation(et.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	return time.ParseInLocation("2006-01-02T15:04:05", et.DateTime, loc)
}

// fromICal converts a VEVENT into a provider payload. Values it cannot read are
// left unset so the normalizer rejects the event.
func fromICal(ve *ical.Component) models.ProviderEvent {
	pe := models.ProviderEvent{Provider: models.ProviderICloud}
	if uid, err := ve.Props.Text(ical.PropUID); err == nil {
		pe.ExternalID = uid
	}
	if p := ve.Props.Get(ical.PropSummary); p != nil {
		if s, err := p.Text(); err == nil {
			pe.Summary = &s
		}
	}
	if d, err := ve.Props.Text(ical.PropDescription); err == nil {
		pe.Description = d
	}

	pe.Start = readEventTime(ve.Props.Get(ical.PropDateTimeStart))
	pe.End = readEventTime(ve.Props.Get(ical.PropDateTimeEnd))
	if pe.End == nil && pe.Start != nil && pe.Start.DateTime != "" {
		if p := ve.Props.Get(ical.PropDuration); p != nil {
			if d, err := p.Duration(); err == nil {
				start, _ := time.Parse(time.RFC3339, pe.Start.DateTime)
				pe.End = &models.EventTime{DateTime: start.Add(d).Format(time.RFC3339), TimeZone: pe.Start.TimeZone}
			}
		}
	}

	for _, p := range ve.Props.Values(ical.PropAttendee) {
		pe.Attendees = append(pe.Attendees, strings.TrimPrefix(strings.ToLower(p.Value), "mailto:"))
	}
	if p := ve.Props.Get(ical.PropLastModified); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			pe.Updated = t.UTC().Format(time.RFC3339)
		}
	}
	return pe
}

func readEventTime(p *ical.Prop) *models.EventTime {
	if p == nil {
		return nil
	}
	if p.ValueType() == ical.ValueDate {
		t, err := p.DateTime(time.UTC)
		if err != nil {
			return nil
		}
		return &models.EventTime{Date: t.Format(time.DateOnly)}
	}

	t, err := p.DateTime(time.UTC)
	if err != nil {
		return nil
	}
	et := &models.EventTime{DateTime: t.Format(time.RFC3339)}
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if _, err := time.LoadLocation(tzid); err == nil {
			et.TimeZone = tzid
		}
	}
	return et
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
