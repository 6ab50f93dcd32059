package httpx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 5, Initial: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryPermanent(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad request")
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 5, Initial: time.Millisecond}, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	if IsPermanent(err) {
		t.Fatalf("returned error should be unwrapped")
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Policy{Attempts: 3, Initial: time.Second}, func() error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]bool{200: false, 400: false, 401: false, 408: true, 429: true, 500: true, 503: true} {
		if RetryableStatus(code) != want {
			t.Fatalf("RetryableStatus(%d) != %v", code, want)
		}
	}
}
