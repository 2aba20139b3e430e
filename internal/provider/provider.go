// Package provider defines the contract every calendar backend client implements
// and the error taxonomy for failures talking to those backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"syncal/internal/models"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a calendar backend. One implementation exists per provider.
type Client interface {
	Name() models.Provider
	ListEvents(ctx context.Context, userID string, r models.DateRange) ([]models.ProviderEvent, error)
	CreateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error)
	UpdateEvent(ctx context.Context, userID string, event models.ProviderEvent) (models.ProviderEvent, error)
	DeleteEvent(ctx context.Context, userID, externalID string) error
}

// Kind classifies an APIError.
type Kind int

const (
	// Transient failures (rate limits, 5xx, network) are worth retrying.
	Transient Kind = iota
	// Permanent failures (event gone, auth rejected) are not.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// APIError wraps a transport or auth failure returned by a provider.
type APIError struct {
	Provider models.Provider
	Op       string
	Kind     Kind
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s error (status %d): %v", e.Provider, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable provider failure.
func NewTransientError(p models.Provider, op string, status int, err error) *APIError {
	return &APIError{Provider: p, Op: op, Kind: Transient, Status: status, Err: err}
}

// NewPermanentError wraps err as a non-retryable provider failure.
func NewPermanentError(p models.Provider, op string, status int, err error) *APIError {
	return &APIError{Provider: p, Op: op, Kind: Permanent, Status: status, Err: err}
}

// ClassifyStatus maps an HTTP status to an error kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 408 || status == 429 || status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Transient
	}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == Permanent
}

// Retry runs op with exponential backoff while it fails with a transient error.
// Any other error, or exhausting maxElapsed, returns the last error.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
