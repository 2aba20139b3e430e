package reminder

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCronTimer_FiresOnce(t *testing.T) {
	timer := NewCronTimer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.Start()
	defer timer.Stop()

	done := make(chan struct{}, 2)
	timer.ScheduleAt(time.Now().Add(50*time.Millisecond), func() { done <- struct{}{} })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("callback did not fire")
	}

	select {
	case <-done:
		t.Fatal("callback fired twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCronTimer_PastInstantFiresImmediately(t *testing.T) {
	timer := NewCronTimer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.Start()
	defer timer.Stop()

	done := make(chan struct{}, 1)
	timer.ScheduleAt(time.Now().Add(-time.Minute), func() { done <- struct{}{} })

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestCronTimer_Cancel(t *testing.T) {
	timer := NewCronTimer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.Start()
	defer timer.Stop()

	fired := make(chan struct{}, 1)
	h := timer.ScheduleAt(time.Now().Add(200*time.Millisecond), func() { fired <- struct{}{} })
	timer.Cancel(h)

	select {
	case <-fired:
		t.Fatal("cancelled callback fired")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Empty(t, fired)
}

func TestOneShot(t *testing.T) {
	at := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	s := &oneShot{at: at}
	assert.Equal(t, at, s.Next(at.Add(-time.Hour)))
	assert.True(t, s.Next(at.Add(time.Second)).IsZero())
}
