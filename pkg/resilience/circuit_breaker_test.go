package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var errTest = errors.New("test error")

func newTestBreaker(config CircuitBreakerConfig) (*CircuitBreaker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	config.Clock = clock
	return NewCircuitBreaker("test", config), clock
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state to be Closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	config := CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		MaxRequests:      1,
	}
	cb, _ := newTestBreaker(config)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected state to be Open after %d failures, got %v", config.FailureThreshold, cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 50 * time.Millisecond})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(60 * time.Millisecond)

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected state to be HalfOpen after timeout, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		Timeout:          time.Second,
		MaxRequests:      2,
	})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("first half-open request: %v", err)
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("second half-open request: %v", err)
	}
	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected third half-open request to be rejected, got %v", err)
	}
}

func TestCircuitBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
		MaxRequests:      2,
	})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(60 * time.Millisecond)
	_ = cb.Execute(context.Background(), succeed)

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after success in HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitOpen {
		t.Errorf("expected state to be Open after failure in HalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	benign := errors.New("benign")
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
		IsFailure:        func(err error) bool { return !errors.Is(err, benign) },
	})

	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func() error { return benign }); !errors.Is(err, benign) {
			t.Fatalf("expected the benign error to pass through, got %v", err)
		}
	}

	if cb.State() != CircuitClosed {
		t.Errorf("benign errors must not open the circuit, got %v", cb.State())
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, fail); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("cancelled calls must not count as failures, got %v", cb.State())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(context.Background(), succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Second})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected state to be Closed after Reset, got %v", cb.State())
	}
}
