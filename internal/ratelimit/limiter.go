// Package ratelimit implements fixed-window request counting per client.
//
// Windows are pinned to clock boundaries: a client may issue up to the limit
// just before a boundary and the limit again just after it, briefly doubling
// the nominal rate. That is a property of the fixed-window design and is kept
// as-is; callers wanting stricter guarantees need a sliding window instead.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type window struct {
	count int
	start time.Time
}

type granularity struct {
	limit   int
	size    time.Duration
	entries map[string]window
}

// Limiter counts requests per client in fixed per-minute and per-hour
// windows. Entries are created lazily and evicted when found stale during a
// check or an explicit sweep.
type Limiter struct {
	mu     sync.Mutex
	minute granularity
	hour   granularity
	now    func() time.Time
}

// New builds a Limiter with the given per-minute and per-hour budgets.
func New(perMinute, perHour int) *Limiter {
	return &Limiter{
		minute: granularity{limit: perMinute, size: time.Minute, entries: make(map[string]window)},
		hour:   granularity{limit: perHour, size: time.Hour, entries: make(map[string]window)},
		now:    time.Now,
	}
}

// Check decides whether one more request from client fits within both
// budgets. A denial never consumes budget: counts are only incremented when
// both granularities have room, so repeated denied requests stay denied for
// exactly the remainder of the window.
func (l *Limiter) Check(client string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	minuteWin := l.minute.current(client, now)
	hourWin := l.hour.current(client, now)

	if minuteWin.count >= l.minute.limit {
		return denied(l.minute, minuteWin, now)
	}
	if hourWin.count >= l.hour.limit {
		return denied(l.hour, hourWin, now)
	}

	minuteWin.count++
	hourWin.count++
	l.minute.entries[client] = minuteWin
	l.hour.entries[client] = hourWin

	return Decision{
		Allowed:   true,
		Limit:     l.minute.limit,
		Remaining: l.minute.limit - minuteWin.count,
	}
}

// current returns the live window for client, replacing any stale entry with
// a fresh zero-count window aligned to the current boundary.
func (g *granularity) current(client string, now time.Time) window {
	start := now.Truncate(g.size)
	win, ok := g.entries[client]
	if !ok || !win.start.Equal(start) {
		win = window{start: start}
	}
	return win
}

func denied(g granularity, win window, now time.Time) Decision {
	return Decision{
		Limit:      g.limit,
		RetryAfter: win.start.Add(g.size).Sub(now),
	}
}

// Sweep evicts every expired window. The monitor calls this on its own
// cadence so that idle clients do not accumulate in the maps.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute.sweep(now)
	l.hour.sweep(now)
}

func (g *granularity) sweep(now time.Time) {
	for client, win := range g.entries {
		if now.Sub(win.start) >= g.size {
			delete(g.entries, client)
		}
	}
}

// TrackedClients reports how many clients currently hold a live window in
// either granularity.
func (l *Limiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.minute.entries)
	if len(l.hour.entries) > n {
		n = len(l.hour.entries)
	}
	return n
}
