package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("serper", CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
		cb.Record(errors.New("fail"))
	}

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	cb.Record(errors.New("fail"))
	cb.Record(errors.New("fail"))
	cb.Record(nil)
	cb.Record(errors.New("fail"))

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := testBreaker(1, 30*time.Second)

	cb.Record(errors.New("fail"))
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	*now = now.Add(31 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker(1, 30*time.Second)

	cb.Record(errors.New("fail"))
	*now = now.Add(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	cb.Record(errors.New("still failing"))
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected reopened circuit, got %v", err)
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker("jina", CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	cb.Record(errors.New("bad request"))
	if cb.State() != CircuitClosed {
		t.Errorf("permanent errors should not trip, got %s", cb.State())
	}
	cb.Record(NewTransientError(errors.New("unavailable"), 503))
	if cb.State() != CircuitOpen {
		t.Errorf("transient error should trip, got %s", cb.State())
	}
}

func TestBreakers_GetIsStable(t *testing.T) {
	b := NewBreakers(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = b.Get("perplexity")
		}(i)
	}
	wg.Wait()

	for _, cb := range got[1:] {
		if cb != got[0] {
			t.Fatal("expected the same breaker for one provider")
		}
	}
	if b.Get("serper") == got[0] {
		t.Error("expected distinct breakers per provider")
	}
	if len(b.States()) != 2 {
		t.Errorf("expected 2 states, got %d", len(b.States()))
	}
}

func TestCircuitState_String(t *testing.T) {
	for state, want := range map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	} {
		if state.String() != want {
			t.Errorf("state %d: got %q want %q", state, state.String(), want)
		}
	}
}
