// Package mocks provides testify mocks for provider clients.
package mocks

import (
	"context"
	"syncal/internal/models"

	"github.com/stretchr/testify/mock"
)

// Client is a mock implementation of provider.Client.
type Client struct {
	mock.Mock
	Provider models.Provider
}

// Name returns the configured provider.
func (m *Client) Name() models.Provider {
	return m.Provider
}

// ListEvents mocks the ListEvents method.
func (m *Client) ListEvents(ctx context.Context, userID string, r models.DateRange) ([]models.ProviderEvent, error) {
	args := m.Called(ctx, userID, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProviderEvent), args.Error(1)
}

// CreateEvent mocks the CreateEvent method.
func (m *Client) CreateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	args := m.Called(ctx, userID, event)
	return args.Get(0).(models.ProviderEvent), args.Error(1)
}

// UpdateEvent mocks the UpdateEvent method.
func (m *Client) UpdateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error) {
	args := m.Called(ctx, userID, event)
	return args.Get(0).(models.ProviderEvent), args.Error(1)
}

// DeleteEvent mocks the DeleteEvent method.
func (m *Client) DeleteEvent(ctx context.Context, userID, externalID string) error {
	args := m.Called(ctx, userID, externalID)
	return args.Error(0)
}
