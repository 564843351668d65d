package admission

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Gate bounds the number of concurrently executing requests and queues the
// overflow. Queued waiters drain highest priority first, FIFO among equals.
//
// Every counter mutation happens under one mutex, so the invariants hold at
// any observable instant: active never exceeds maxConcurrent, the queue never
// exceeds maxQueue, and a waiter is resolved exactly once (granted, timed
// out, cancelled, or shut down).
type Gate struct {
	mu            sync.Mutex
	maxConcurrent int
	maxQueue      int
	queueTimeout  time.Duration
	active        int
	queue         waiterHeap
	seq           uint64
	closed        bool
	now           func() time.Time
}

// NewGate builds a Gate admitting up to maxConcurrent requests with a queue
// of up to maxQueue waiters, each waiting at most queueTimeout.
func NewGate(maxConcurrent, maxQueue int, queueTimeout time.Duration) *Gate {
	return &Gate{
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
		queueTimeout:  queueTimeout,
		now:           time.Now,
	}
}

type waiter struct {
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	done       chan error
	timer      *time.Timer
	stopCancel func() bool
	index      int
	resolved   bool
}

// Acquire obtains an execution slot, blocking in the queue when the gate is
// saturated. On success the returned release function must be called exactly
// once when the request finishes; extra calls are no-ops. On failure the
// error is a *Rejection wrapping ErrQueueFull, ErrQueueTimeout, ErrShutdown,
// or the caller's context error when the caller went away while queued.
func (g *Gate) Acquire(ctx context.Context, priority Priority) (release func(), err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, &Rejection{Err: ErrShutdown}
	}
	if g.active < g.maxConcurrent {
		g.active++
		g.mu.Unlock()
		return g.permit(), nil
	}
	if g.queue.Len() >= g.maxQueue {
		g.mu.Unlock()
		return nil, &Rejection{Err: ErrQueueFull, RetryAfter: g.queueTimeout}
	}

	g.seq++
	w := &waiter{
		priority:   priority,
		seq:        g.seq,
		enqueuedAt: g.now(),
		done:       make(chan error, 1),
	}
	heap.Push(&g.queue, w)
	// Both callbacks take g.mu before touching the waiter, and resolve checks
	// w.resolved under the lock, so a timer that lost the race to a grant can
	// never reject a request that is already executing.
	w.timer = time.AfterFunc(g.queueTimeout, func() {
		g.resolve(w, &Rejection{Err: ErrQueueTimeout})
	})
	w.stopCancel = context.AfterFunc(ctx, func() {
		g.resolve(w, &Rejection{Err: context.Cause(ctx)})
	})
	g.mu.Unlock()

	if err := <-w.done; err != nil {
		return nil, err
	}
	return g.permit(), nil
}

// permit wraps release so that double release cannot free a slot twice.
func (g *Gate) permit() func() {
	var once sync.Once
	return func() { once.Do(g.release) }
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	g.drainLocked()
}

// drainLocked promotes queued waiters into free slots, highest priority
// first. Caller must hold g.mu.
func (g *Gate) drainLocked() {
	for g.active < g.maxConcurrent && g.queue.Len() > 0 {
		w := heap.Pop(&g.queue).(*waiter)
		w.resolved = true
		w.timer.Stop()
		w.stopCancel()
		g.active++
		w.done <- nil
	}
}

// resolve settles a still-queued waiter with err. It is a no-op when the
// waiter was already granted or settled by a competing path.
func (g *Gate) resolve(w *waiter, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolveLocked(w, err)
}

func (g *Gate) resolveLocked(w *waiter, err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.index >= 0 {
		heap.Remove(&g.queue, w.index)
	}
	w.timer.Stop()
	w.stopCancel()
	w.done <- err
}

// Shutdown rejects every queued waiter and refuses new admissions. Safe to
// call more than once.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for g.queue.Len() > 0 {
		w := g.queue[g.queue.Len()-1]
		g.resolveLocked(w, &Rejection{Err: ErrShutdown})
	}
}

// Active reports the number of requests currently holding a slot.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Queued reports the number of waiters currently queued.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// MaxConcurrent returns the configured concurrency ceiling.
func (g *Gate) MaxConcurrent() int { return g.maxConcurrent }

// MaxQueue returns the configured queue capacity.
func (g *Gate) MaxQueue() int { return g.maxQueue }

// waiterHeap orders by priority descending, then enqueue sequence ascending.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
