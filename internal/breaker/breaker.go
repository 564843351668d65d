// Package breaker guards downstream calls with a per-service circuit
// breaker: consecutive failures open the circuit, calls short-circuit while
// it is open, and after a cooldown a single trial call probes recovery.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of one service's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrOpen matches any OpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is short-circuited.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %s", e.Service, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Classifier reports whether a completed call counts as a failure for
// state-machine purposes. It never changes what the caller receives.
type Classifier func(err error) bool

// Breaker tracks one circuit per downstream service name. Service states are
// created lazily on first call and live for the process lifetime.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration
	services  map[string]*circuit
	classify  Classifier
	log       *slog.Logger
	now       func() time.Time
}

type circuit struct {
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	probing             bool
}

// New builds a Breaker that opens after threshold consecutive failures and
// probes recovery after the recovery timeout. A nil classifier treats any
// non-nil error as a failure.
func New(threshold int, recovery time.Duration, classify Classifier, logger *slog.Logger) *Breaker {
	if classify == nil {
		classify = func(err error) bool { return err != nil }
	}
	if logger != nil {
		logger = logger.With("component", "circuit_breaker")
	}
	return &Breaker{
		threshold: threshold,
		recovery:  recovery,
		services:  make(map[string]*circuit),
		classify:  classify,
		log:       logger,
		now:       time.Now,
	}
}

// Do executes op under the circuit for service. While the circuit is open,
// op is not invoked and an *OpenError carries the remaining cooldown. The
// call that arrives once the cooldown has elapsed is let through as the
// half-open trial. Whatever op returns is handed back unaltered; the breaker
// only records the outcome.
func (b *Breaker) Do(service string, op func() error) error {
	if err := b.before(service); err != nil {
		return err
	}
	err := op()
	b.after(service, b.classify(err))
	return err
}

func (b *Breaker) before(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(service)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(c.lastFailureAt)
		if elapsed < b.recovery {
			return &OpenError{Service: service, RetryAfter: b.recovery - elapsed}
		}
		// Cooldown over: this call is the trial.
		c.state = StateHalfOpen
		c.probing = true
		if b.log != nil {
			b.log.Info("circuit half-open, probing", "service", service)
		}
		return nil
	default: // StateHalfOpen
		if c.probing {
			// A trial is already in flight; only one probe at a time.
			return &OpenError{Service: service, RetryAfter: b.recovery}
		}
		c.probing = true
		return nil
	}
}

func (b *Breaker) after(service string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(service)
	if failed {
		c.consecutiveFailures++
		c.lastFailureAt = b.now()
		switch c.state {
		case StateHalfOpen:
			c.state = StateOpen
			c.probing = false
			if b.log != nil {
				b.log.Warn("circuit reopened after failed trial", "service", service)
			}
		case StateClosed:
			if c.consecutiveFailures >= b.threshold {
				c.state = StateOpen
				if b.log != nil {
					b.log.Warn("circuit opened", "service", service, "consecutive_failures", c.consecutiveFailures)
				}
			}
		}
		return
	}

	c.consecutiveFailures = 0
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.probing = false
		if b.log != nil {
			b.log.Info("circuit closed after successful trial", "service", service)
		}
	}
}

func (b *Breaker) circuitLocked(service string) *circuit {
	c, ok := b.services[service]
	if !ok {
		c = &circuit{}
		b.services[service] = c
	}
	return c
}

// State reports the current state of service's circuit.
func (b *Breaker) State(service string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.services[service]; ok {
		return c.state
	}
	return StateClosed
}

// States snapshots every known circuit for status reporting.
func (b *Breaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.services))
	for name, c := range b.services {
		out[name] = c.state.String()
	}
	return out
}
