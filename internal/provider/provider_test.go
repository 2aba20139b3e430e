package provider

import (
	"context"
	"errors"
	"syncal/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, Transient, ClassifyStatus(429))
	assert.Equal(t, Transient, ClassifyStatus(503))
	assert.Equal(t, Permanent, ClassifyStatus(404))
	assert.Equal(t, Permanent, ClassifyStatus(410))
	assert.Equal(t, Permanent, ClassifyStatus(401))
}

func TestIsTransientAndPermanent(t *testing.T) {
	transient := NewTransientError(models.ProviderGoogle, "create", 503, errors.New("unavailable"))
	permanent := NewPermanentError(models.ProviderICloud, "create", 410, errors.New("gone"))

	wrapped := errors.Join(errors.New("outer"), transient)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsPermanent(wrapped))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.Contains(t, permanent.Error(), "status 410")
}

func TestRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5*time.Second, func() error {
		calls++
		if calls < 3 {
			return NewTransientError(models.ProviderGoogle, "list", 500, errors.New("boom"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5*time.Second, func() error {
		calls++
		return NewPermanentError(models.ProviderGoogle, "create", 404, errors.New("not found"))
	})
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}
