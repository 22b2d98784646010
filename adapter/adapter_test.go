package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_Exhausts(t *testing.T) {
	calls := 0
	err := Retry(t.Context(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 1 + 2 retries", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad request")
	calls := 0
	err := Retry(t.Context(), 5, time.Millisecond, func() error {
		calls++
		return backoff.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := Retry(ctx, 5, time.Hour, func() error { return errors.New("transient") })
	if err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNop(t *testing.T) {
	var a Adapter = Nop{}
	if err := a.Publish(t.Context(), &ReleasePublishedEvent{}); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
