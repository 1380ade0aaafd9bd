package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(threshold int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	})
}

func tripBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("upstream down")
		})
	}
}

func TestClosedCircuitPassesThrough(t *testing.T) {
	cb := newTestBreaker(3)

	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Error("fn not invoked through closed circuit")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3)

	tripBreaker(cb, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 2 failures = %s, want closed", cb.State())
	}

	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("state after 3 failures = %s, want open", cb.State())
	}

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		t.Error("fn invoked through open circuit")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker(3)

	tripBreaker(cb, 2)
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	tripBreaker(cb, 2)

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed; success should clear the streak", cb.State())
	}
}

func TestHalfOpenProbeAfterResetTimeout(t *testing.T) {
	cb := newTestBreaker(1)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open after reset timeout", cb.State())
	}

	if err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state after successful probe = %s, want closed", cb.State())
	}
}

func TestFailedProbeReopensCircuit(t *testing.T) {
	cb := newTestBreaker(1)

	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	tripBreaker(cb, 1)

	now = now.Add(2 * time.Minute)
	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Errorf("state after failed probe = %s, want open", cb.State())
	}
}

func TestOnStateChangeObservesTransitions(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	tripBreaker(cb, 1)
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestShouldTripFiltersErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("not found")
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed; non-transient errors must not trip", cb.State())
	}

	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return NewTransientError(errors.New("service unavailable"), 503)
	})
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open after transient failure", cb.State())
	}
}

func TestExecuteValReturnsValue(t *testing.T) {
	cb := newTestBreaker(3)

	got, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "node-text", nil
	})
	if err != nil {
		t.Fatalf("ExecuteVal: %v", err)
	}
	if got != "node-text" {
		t.Errorf("value = %q", got)
	}
}

func TestExecuteValRejectedWhenOpen(t *testing.T) {
	cb := newTestBreaker(1)
	tripBreaker(cb, 1)

	_, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (int, error) {
		t.Error("fn invoked through open circuit")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := newTestBreaker(1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = cb.Execute(context.Background(), func(ctx context.Context) error {
					if (n+j)%2 == 0 {
						return errors.New("flaky")
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	if cb.State() != CircuitClosed {
		t.Errorf("state = %s, want closed below threshold", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:   "closed",
		CircuitOpen:     "open",
		CircuitHalfOpen: "half-open",
		CircuitState(9): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", int(state), got, want)
		}
	}
}
