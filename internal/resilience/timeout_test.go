package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunWithTimeoutSuccess(t *testing.T) {
	val, err := RunWithTimeout(context.Background(), "fast op", time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("val = %d, want 42", val)
	}
}

func TestRunWithTimeoutExpires(t *testing.T) {
	_, err := RunWithTimeout(context.Background(), "slow op", 10*time.Millisecond, func(ctx context.Context) (int, error) {
		select {
		case <-time.After(5 * time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error is not a TimeoutError: %v", err)
	}
	if te.Op != "slow op" {
		t.Errorf("op = %q", te.Op)
	}
}

func TestRunWithTimeoutParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunWithTimeout(ctx, "op", time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTimeout(err) {
		t.Errorf("parent cancellation misreported as timeout: %v", err)
	}
}

func TestIsTimeout(t *testing.T) {
	if IsTimeout(nil) {
		t.Error("nil is not a timeout")
	}
	if IsTimeout(errors.New("boom")) {
		t.Error("plain error is not a timeout")
	}
	if !IsTimeout(NewTimeoutError("op", time.Second, nil)) {
		t.Error("TimeoutError not recognized")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("deadline exceeded not recognized")
	}
	wrapped := errors.Join(errors.New("outer"), NewTimeoutError("op", time.Second, nil))
	if !IsTimeout(wrapped) {
		t.Error("wrapped TimeoutError not recognized")
	}
}
