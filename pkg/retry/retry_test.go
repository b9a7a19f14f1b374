package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoGivesUp(t *testing.T) {
	attempts := 0
	sentinel := errors.New("503 service unavailable")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
}

func TestDoPermanent(t *testing.T) {
	attempts := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected the unwrapped error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	for _, msg := range []string{"dial tcp: connection refused", "unexpected EOF", "engine returned 502"} {
		if !IsRetryable(errors.New(msg)) {
			t.Errorf("%q should be retryable", msg)
		}
	}
	if IsRetryable(errors.New("unknown resumption handle")) {
		t.Error("handle errors are not transient")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}
