package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 4, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 4 * time.Millisecond}

	var seen []int
	err := Reconnect(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("socket closed")
		}
		return nil
	}, cfg)

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("Expected attempts [1 2 3], got %v", seen)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 2 * time.Millisecond}
	cause := errors.New("provider down")

	err := Reconnect(context.Background(), func(ctx context.Context, attempt int) error {
		return cause
	}, cfg)

	var rerr *ReconnectError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected ReconnectError, got %v", err)
	}
	if rerr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", rerr.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected the last cause to be wrapped")
	}
}

func TestReconnect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Reconnect(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no attempts on a cancelled context, got %d", calls)
	}
}
