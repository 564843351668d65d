package admission

import (
	"errors"
	"time"
)

// Sentinel outcomes of an admission attempt. All of them are expected,
// client-facing conditions; they are converted to responses by the HTTP
// layer and never reach business handlers.
var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrQueueFull    = errors.New("admission queue full")
	ErrQueueTimeout = errors.New("timed out waiting for an execution slot")
	ErrShutdown     = errors.New("gateway shutting down")
)

// Rejection couples an admission sentinel with a retry hint.
type Rejection struct {
	Err        error
	RetryAfter time.Duration
}

func (r *Rejection) Error() string { return r.Err.Error() }

func (r *Rejection) Unwrap() error { return r.Err }

// RetryAfterHint extracts the retry hint from an admission error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rej *Rejection
	if errors.As(err, &rej) && rej.RetryAfter > 0 {
		return rej.RetryAfter, true
	}
	return 0, false
}
