package breaker

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, recovery, nil, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})))
	now := time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker, service string) error {
	return b.Do(service, func() error { return errBoom })
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		if err := fail(b, "pricing"); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d should pass through, got %v", i, err)
		}
		if got := b.State("pricing"); got != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, got)
		}
	}

	fail(b, "pricing")
	if got := b.State("pricing"); got != StateOpen {
		t.Fatalf("state after threshold = %v, want open", got)
	}
}

func TestBreakerShortCircuitsWhileOpen(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	fail(b, "pricing")
	fail(b, "pricing")

	*now = now.Add(10 * time.Second)
	called := false
	err := b.Do("pricing", func() error { called = true; return nil })
	if called {
		t.Fatal("operation must not run while the circuit is open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	var open *OpenError
	if !errors.As(err, &open) {
		t.Fatalf("error should be *OpenError, got %T", err)
	}
	if open.RetryAfter != 50*time.Second {
		t.Fatalf("retry hint = %s, want 50s", open.RetryAfter)
	}
}

func TestBreakerClosesAfterSuccessfulTrial(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	fail(b, "pricing")
	fail(b, "pricing")

	*now = now.Add(time.Minute)
	called := false
	if err := b.Do("pricing", func() error { called = true; return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if !called {
		t.Fatal("trial call should have run")
	}
	if got := b.State("pricing"); got != StateClosed {
		t.Fatalf("state after successful trial = %v, want closed", got)
	}

	// consecutiveFailures reset: one more failure must not reopen.
	fail(b, "pricing")
	if got := b.State("pricing"); got != StateClosed {
		t.Fatalf("single failure after recovery reopened the circuit")
	}
}

func TestBreakerReopensAfterFailedTrialAndRestartsCooldown(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)
	fail(b, "pricing")
	fail(b, "pricing")

	*now = now.Add(time.Minute)
	if err := fail(b, "pricing"); !errors.Is(err, errBoom) {
		t.Fatalf("trial failure should pass through, got %v", err)
	}
	if got := b.State("pricing"); got != StateOpen {
		t.Fatalf("state after failed trial = %v, want open", got)
	}

	// Cooldown restarted at the trial failure: still short-circuited just
	// before it elapses, open again for a trial right after.
	*now = now.Add(time.Minute - time.Second)
	if err := b.Do("pricing", func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("call before cooldown end should short-circuit, got %v", err)
	}
	*now = now.Add(time.Second)
	if err := b.Do("pricing", func() error { return nil }); err != nil {
		t.Fatalf("trial after restarted cooldown failed: %v", err)
	}
}

func TestBreakerPartitionsByService(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	fail(b, "pricing")

	if got := b.State("pricing"); got != StateOpen {
		t.Fatalf("pricing state = %v, want open", got)
	}
	if err := b.Do("billing", func() error { return nil }); err != nil {
		t.Fatalf("billing should be unaffected: %v", err)
	}
	if got := b.State("billing"); got != StateClosed {
		t.Fatalf("billing state = %v, want closed", got)
	}
}

func TestBreakerCustomClassifier(t *testing.T) {
	// Only a marker error counts as failure; other errors pass untracked.
	marker := errors.New("downstream 5xx")
	b := New(1, time.Minute, func(err error) bool { return errors.Is(err, marker) }, nil)

	if err := b.Do("pricing", func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.State("pricing"); got != StateClosed {
		t.Fatalf("non-failure error opened the circuit")
	}

	b.Do("pricing", func() error { return marker })
	if got := b.State("pricing"); got != StateOpen {
		t.Fatalf("classified failure should open the circuit")
	}
}

func TestBreakerErrorIsNeverAltered(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	err := fail(b, "pricing")
	if err != errBoom {
		t.Fatalf("breaker must hand back the downstream error untouched, got %v", err)
	}
}

func TestBreakerStatesSnapshot(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	fail(b, "pricing")
	b.Do("billing", func() error { return nil })

	states := b.States()
	if states["pricing"] != "open" || states["billing"] != "closed" {
		t.Fatalf("unexpected snapshot: %v", states)
	}
}
