// Package monitor periodically samples admission counters into health
// snapshots, warns when utilization crosses thresholds, and streams the
// snapshots to subscribers. It reads the other components; it never mutates
// their state beyond triggering the rate-limiter sweep.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/gate/internal/admission"
	"github.com/ledgerline/gate/internal/ws"
)

const defaultInterval = 10 * time.Second

// StatsSource provides the admission counters the monitor reports on.
type StatsSource interface {
	Stats() admission.Stats
	SweepLimiter()
}

// CircuitSource exposes circuit states for the snapshot.
type CircuitSource interface {
	States() map[string]string
}

// Snapshot is one health sample.
type Snapshot struct {
	Timestamp             time.Time         `json:"timestamp"`
	Healthy               bool              `json:"healthy"`
	TotalRequests         int64             `json:"totalRequests"`
	ActiveRequests        int               `json:"activeRequests"`
	QueuedRequests        int               `json:"queuedRequests"`
	RejectedRequests      int64             `json:"rejectedRequests"`
	TrackedClients        int               `json:"trackedClients"`
	AverageResponseTimeMs float64           `json:"averageResponseTimeMs"`
	QueueUtilization      float64           `json:"queueUtilization"`
	ConcurrentUtilization float64           `json:"concurrentUtilization"`
	Circuits              map[string]string `json:"circuits,omitempty"`
}

// Status is the health surface consumed by external health checks.
type Status struct {
	Healthy               bool    `json:"healthy"`
	ActiveRequests        int     `json:"activeRequests"`
	QueuedRequests        int     `json:"queuedRequests"`
	QueueUtilization      float64 `json:"queueUtilization"`
	ConcurrentUtilization float64 `json:"concurrentUtilization"`
}

// Monitor samples on a fixed interval.
type Monitor struct {
	source         StatsSource
	circuits       CircuitSource
	hub            *ws.Hub
	interval       time.Duration
	queueWarn      float64
	concurrentWarn float64
	logger         *slog.Logger
	now            func() time.Time
	once           sync.Once
}

// Options configures a Monitor.
type Options struct {
	Source         StatsSource
	Circuits       CircuitSource
	Hub            *ws.Hub
	Interval       time.Duration
	QueueWarn      float64
	ConcurrentWarn float64
	Logger         *slog.Logger
}

// New constructs a Monitor with sane defaults.
func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	queueWarn := opts.QueueWarn
	if queueWarn <= 0 {
		queueWarn = 0.8
	}
	concurrentWarn := opts.ConcurrentWarn
	if concurrentWarn <= 0 {
		concurrentWarn = 0.9
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "monitor")
	}
	return &Monitor{
		source:         opts.Source,
		circuits:       opts.Circuits,
		hub:            opts.Hub,
		interval:       interval,
		queueWarn:      queueWarn,
		concurrentWarn: concurrentWarn,
		logger:         logger,
		now:            time.Now,
	}
}

// Run samples until the context is cancelled. It blocks; callers start it in
// its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.once.Do(func() {
		if m.logger != nil {
			m.logger.Info("monitor started", "interval", m.interval)
		}
	})
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.Info("monitor stopped")
			}
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	m.source.SweepLimiter()
	snap := m.Snapshot()

	if snap.QueueUtilization > m.queueWarn && m.logger != nil {
		m.logger.Warn("queue utilization above threshold",
			"queued", snap.QueuedRequests,
			"utilization", snap.QueueUtilization,
			"threshold", m.queueWarn)
	}
	if snap.ConcurrentUtilization > m.concurrentWarn && m.logger != nil {
		m.logger.Warn("concurrency utilization above threshold",
			"active", snap.ActiveRequests,
			"utilization", snap.ConcurrentUtilization,
			"threshold", m.concurrentWarn)
	}

	if m.hub != nil {
		if payload, err := json.Marshal(snap); err == nil {
			m.hub.Broadcast(payload)
		}
	}
}

// Snapshot aggregates the current counters into one health sample.
func (m *Monitor) Snapshot() Snapshot {
	stats := m.source.Stats()
	snap := Snapshot{
		Timestamp:             m.now().UTC(),
		TotalRequests:         stats.TotalRequests,
		ActiveRequests:        stats.ActiveRequests,
		QueuedRequests:        stats.QueuedRequests,
		RejectedRequests:      stats.RejectedRequests,
		TrackedClients:        stats.TrackedClients,
		AverageResponseTimeMs: float64(stats.AverageResponseTime) / float64(time.Millisecond),
		QueueUtilization:      stats.QueueUtilization,
		ConcurrentUtilization: stats.ConcurrentUtilization,
	}
	snap.Healthy = snap.QueueUtilization <= m.queueWarn && snap.ConcurrentUtilization <= m.concurrentWarn
	if m.circuits != nil {
		snap.Circuits = m.circuits.States()
	}
	return snap
}

// Status reduces a snapshot to the health-check surface.
func (m *Monitor) Status() Status {
	snap := m.Snapshot()
	return Status{
		Healthy:               snap.Healthy,
		ActiveRequests:        snap.ActiveRequests,
		QueuedRequests:        snap.QueuedRequests,
		QueueUtilization:      snap.QueueUtilization,
		ConcurrentUtilization: snap.ConcurrentUtilization,
	}
}
