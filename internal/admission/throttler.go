// Package admission decides, per incoming request, whether to execute it
// now, queue it for a free slot, or reject it. It is the single entry point
// in front of the route layer: rate limits first, then the concurrency gate.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/gate/internal/ratelimit"
)

// Throttler composes the rate limiter, the priority classifier, and the
// concurrency gate. One instance is constructed at startup and shared by
// every admission call site; its lifecycle is owned by main.
type Throttler struct {
	limiter    *ratelimit.Limiter
	gate       *Gate
	classifier *Classifier
	log        *slog.Logger

	total    atomic.Int64
	rejected atomic.Int64

	sampleMu sync.Mutex
	samples  []time.Duration
	sampleAt int
	sampleN  int

	shutdownOnce sync.Once
}

// Options configures a Throttler.
type Options struct {
	Limiter            *ratelimit.Limiter
	Gate               *Gate
	Classifier         *Classifier
	Logger             *slog.Logger
	ResponseSampleSize int
}

// NewThrottler wires the admission components together.
func NewThrottler(opts Options) *Throttler {
	size := opts.ResponseSampleSize
	if size <= 0 {
		size = 100
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = &Classifier{}
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "throttler")
	}
	return &Throttler{
		limiter:    opts.Limiter,
		gate:       opts.Gate,
		classifier: classifier,
		log:        logger,
		samples:    make([]time.Duration, size),
	}
}

// Ticket is the proof of admission for one request. Done must be called
// exactly once when the handler finishes; it frees the slot and records the
// response time. Extra Done calls are no-ops.
type Ticket struct {
	ID        string
	Priority  Priority
	RateLimit ratelimit.Decision

	t       *Throttler
	release func()
	started time.Time
	once    sync.Once
}

// Done releases the execution slot and feeds the response-time sample.
func (tk *Ticket) Done() {
	tk.once.Do(func() {
		tk.release()
		tk.t.recordResponse(time.Since(tk.started))
	})
}

// Admit runs the full admission pipeline for one request. The context is the
// caller's: if it is cancelled while the request sits in the queue, the entry
// is discarded and its handler never runs.
func (t *Throttler) Admit(ctx context.Context, client, path string) (*Ticket, error) {
	t.total.Add(1)

	dec := t.limiter.Check(client)
	if !dec.Allowed {
		t.rejected.Add(1)
		if t.log != nil {
			t.log.Warn("request rate limited", "client", client, "path", path, "retry_after", dec.RetryAfter)
		}
		return nil, &Rejection{Err: ErrRateLimited, RetryAfter: dec.RetryAfter}
	}

	priority := t.classifier.Classify(path)
	release, err := t.gate.Acquire(ctx, priority)
	if err != nil {
		t.rejected.Add(1)
		return nil, err
	}

	return &Ticket{
		ID:        uuid.NewString(),
		Priority:  priority,
		RateLimit: dec,
		t:         t,
		release:   release,
		started:   time.Now(),
	}, nil
}

func (t *Throttler) recordResponse(d time.Duration) {
	t.sampleMu.Lock()
	defer t.sampleMu.Unlock()
	t.samples[t.sampleAt] = d
	t.sampleAt = (t.sampleAt + 1) % len(t.samples)
	if t.sampleN < len(t.samples) {
		t.sampleN++
	}
}

// AverageResponseTime is the rolling mean over the bounded sample buffer.
func (t *Throttler) AverageResponseTime() time.Duration {
	t.sampleMu.Lock()
	defer t.sampleMu.Unlock()
	if t.sampleN == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < t.sampleN; i++ {
		sum += t.samples[i]
	}
	return sum / time.Duration(t.sampleN)
}

// Stats is a point-in-time view of the admission counters.
type Stats struct {
	TotalRequests         int64
	ActiveRequests        int
	QueuedRequests        int
	RejectedRequests      int64
	TrackedClients        int
	AverageResponseTime   time.Duration
	QueueUtilization      float64
	ConcurrentUtilization float64
}

// Stats samples every counter the monitor reports on.
func (t *Throttler) Stats() Stats {
	active := t.gate.Active()
	queued := t.gate.Queued()
	s := Stats{
		TotalRequests:       t.total.Load(),
		ActiveRequests:      active,
		QueuedRequests:      queued,
		RejectedRequests:    t.rejected.Load(),
		TrackedClients:      t.limiter.TrackedClients(),
		AverageResponseTime: t.AverageResponseTime(),
	}
	if max := t.gate.MaxQueue(); max > 0 {
		s.QueueUtilization = float64(queued) / float64(max)
	}
	if max := t.gate.MaxConcurrent(); max > 0 {
		s.ConcurrentUtilization = float64(active) / float64(max)
	}
	return s
}

// SweepLimiter evicts expired rate-limit windows. Called from the monitor
// tick so idle clients do not accumulate.
func (t *Throttler) SweepLimiter() {
	t.limiter.Sweep()
}

// Shutdown rejects queued entries and refuses further admissions. Idempotent.
func (t *Throttler) Shutdown() {
	t.shutdownOnce.Do(func() {
		t.gate.Shutdown()
		if t.log != nil {
			t.log.Info("throttler shut down")
		}
	})
}
