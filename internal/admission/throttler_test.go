package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ledgerline/gate/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestThrottler(perMinute, maxConcurrent, maxQueue int, queueTimeout time.Duration) *Throttler {
	classifier, _ := ParseClassifier("/healthz=high,/assets/=low")
	return NewThrottler(Options{
		Limiter:            ratelimit.New(perMinute, perMinute*100),
		Gate:               NewGate(maxConcurrent, maxQueue, queueTimeout),
		Classifier:         classifier,
		Logger:             discardLogger(),
		ResponseSampleSize: 4,
	})
}

func TestAdmitRejectsOverRateLimit(t *testing.T) {
	th := newTestThrottler(2, 10, 10, time.Second)

	for i := 0; i < 2; i++ {
		ticket, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		ticket.Done()
	}

	_, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if retry, ok := RetryAfterHint(err); !ok || retry <= 0 {
		t.Fatalf("rate-limit rejection should carry a retry hint, got %v %v", retry, ok)
	}

	stats := th.Stats()
	if stats.TotalRequests != 3 {
		t.Fatalf("total = %d, want 3", stats.TotalRequests)
	}
	if stats.RejectedRequests != 1 {
		t.Fatalf("rejected = %d, want 1", stats.RejectedRequests)
	}
}

func TestAdmitAssignsRoutePriority(t *testing.T) {
	th := newTestThrottler(100, 10, 10, time.Second)

	ticket, err := th.Admit(context.Background(), "ip:1.2.3.4", "/healthz")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer ticket.Done()
	if ticket.Priority != PriorityHigh {
		t.Fatalf("priority = %v, want high", ticket.Priority)
	}
	if ticket.ID == "" {
		t.Fatal("ticket should carry an admission id")
	}
}

func TestTicketDoneIsIdempotent(t *testing.T) {
	th := newTestThrottler(100, 1, 0, time.Second)

	ticket, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	ticket.Done()
	ticket.Done()

	if got := th.Stats().ActiveRequests; got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
	// A second Done must not have freed a phantom slot.
	next, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x")
	if err != nil {
		t.Fatalf("admit after done: %v", err)
	}
	next.Done()
}

func TestAverageResponseTimeRollsOverBoundedBuffer(t *testing.T) {
	th := newTestThrottler(100, 1, 0, time.Second)

	for _, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond} {
		th.recordResponse(d)
	}
	if got := th.AverageResponseTime(); got != 15*time.Millisecond {
		t.Fatalf("average = %s, want 15ms", got)
	}

	// Buffer holds 4 samples; older ones fall out.
	for _, d := range []time.Duration{30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 60 * time.Millisecond} {
		th.recordResponse(d)
	}
	if got := th.AverageResponseTime(); got != 45*time.Millisecond {
		t.Fatalf("average = %s, want 45ms", got)
	}
}

func TestThrottlerShutdownIsIdempotent(t *testing.T) {
	th := newTestThrottler(100, 1, 5, time.Minute)
	th.Shutdown()
	th.Shutdown()
	if _, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("post-shutdown admit error = %v, want ErrShutdown", err)
	}
}

func TestStatsUtilization(t *testing.T) {
	th := newTestThrottler(100, 2, 4, time.Minute)

	t1, err := th.Admit(context.Background(), "ip:1.2.3.4", "/api/x")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer t1.Done()

	stats := th.Stats()
	if stats.ConcurrentUtilization != 0.5 {
		t.Fatalf("concurrent utilization = %v, want 0.5", stats.ConcurrentUtilization)
	}
	if stats.QueueUtilization != 0 {
		t.Fatalf("queue utilization = %v, want 0", stats.QueueUtilization)
	}
}
