package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"syncal/internal/models"
	"syncal/internal/provider"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
// It implements provider.Client for a single calendar.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName, calendarID string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return NewClientWithService(logger, service, calendarID), nil
}

// NewClientWithService wraps an already configured calendar service.
func NewClientWithService(logger *slog.Logger, service *calendar.Service, calendarID string) *CalendarClient {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID}
}

// Name identifies the provider.
func (c *CalendarClient) Name() models.Provider {
	return models.ProviderGoogle
}

// ListEvents fetches all single (expanded) events overlapping the range.
func (c *CalendarClient) ListEvents(ctx context.Context, userID string, r models.DateRange) ([]models.ProviderEvent, error) {
	c.logger.Debug("Fetching events", "userID", userID, "calendarID", c.calendarID, "from", r.Start, "to", r.End)

	var out []models.ProviderEvent
	err := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(r.Start.Format(time.RFC3339)).
		TimeMax(r.End.Format(time.RFC3339)).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				out = append(out, toProviderEvent(item))
			}
			return nil
		})
	if err != nil {
		return nil, classify("list", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(out), "calendarID", c.calendarID)
	return out, nil
}

// CreateEvent inserts the event and returns it with its new ID.
func (c *CalendarClient) CreateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	created, err := c.service.Events.Insert(c.calendarID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return models.ProviderEvent{}, classify("create", err)
	}
	c.logger.Info("Created event in Google Calendar", "userID", userID, "id", created.Id, "title", created.Summary)
	return toProviderEvent(created), nil
}

// UpdateEvent replaces the event identified by event.ExternalID.
func (c *CalendarClient) UpdateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	updated, err := c.service.Events.Update(c.calendarID, event.ExternalID, toGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return models.ProviderEvent{}, classify("update", err)
	}
	c.logger.Info("Updated event in Google Calendar", "userID", userID, "id", updated.Id)
	return toProviderEvent(updated), nil
}

// DeleteEvent removes the event.
func (c *CalendarClient) DeleteEvent(ctx context.Context, userID, externalID string) error {
	if err := c.service.Events.Delete(c.calendarID, externalID).Context(ctx).Do(); err != nil {
		return classify("delete", err)
	}
	c.logger.Info("Deleted event from Google Calendar", "userID", userID, "id", externalID)
	return nil
}

// classify converts API failures into provider errors. Errors without an HTTP
// status are network failures and count as transient.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if provider.ClassifyStatus(gerr.Code) == provider.Permanent {
			return provider.NewPermanentError(models.ProviderGoogle, op, gerr.Code, err)
		}
		return provider.NewTransientError(models.ProviderGoogle, op, gerr.Code, err)
	}
	return provider.NewTransientError(models.ProviderGoogle, op, 0, err)
}

// toProviderEvent converts a Google Calendar event to the provider payload.
func toProviderEvent(item *calendar.Event) models.ProviderEvent {
	var attendees []string
	for _, a := range item.Attendees {
		attendees = append(attendees, a.Email)
	}

	summary := item.Summary
	return models.ProviderEvent{
		Provider:    models.ProviderGoogle,
		ExternalID:  item.Id,
		Summary:     &summary,
		Description: item.Description,
		Start:       fromEventDateTime(item.Start),
		End:         fromEventDateTime(item.End),
		Attendees:   attendees,
		Updated:     item.Updated,
	}
}

func fromEventDateTime(dt *calendar.EventDateTime) *models.EventTime {
	if dt == nil {
		return nil
	}
	return &models.EventTime{Date: dt.Date, DateTime: dt.DateTime, TimeZone: dt.TimeZone}
}

func toEventDateTime(et *models.EventTime) *calendar.EventDateTime {
	if et == nil {
		return nil
	}
	return &calendar.EventDateTime{Date: et.Date, DateTime: et.DateTime, TimeZone: et.TimeZone}
}

// toGoogleEvent converts the provider payload to a Google Calendar event.
func toGoogleEvent(event models.ProviderEvent) *calendar.Event {
	ge := &calendar.Event{
		Id:          event.ExternalID,
		Description: event.Description,
		Start:       toEventDateTime(event.Start),
		End:         toEventDateTime(event.End),
	}
	if event.Summary != nil {
		ge.Summary = *event.Summary
	}
	for _, a := range event.Attendees {
		ge.Attendees = append(ge.Attendees, &calendar.EventAttendee{Email: a})
	}
	return ge
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists account names that have a saved token in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
