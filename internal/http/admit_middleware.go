package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ledgerline/gate/internal/admission"
	"github.com/ledgerline/gate/internal/breaker"
	"github.com/ledgerline/gate/internal/ratelimit"
)

// Machine-readable rejection codes, part of the response contract.
const (
	codeRateLimited  = "RATE_LIMIT_EXCEEDED"
	codeQueueFull    = "QUEUE_FULL"
	codeQueueTimeout = "QUEUE_TIMEOUT"
	codeCircuitOpen  = "CIRCUIT_BREAKER_OPEN"
	codeShutdown     = "SERVER_SHUTTING_DOWN"
)

// admit runs the handler under the throttler: execute now, wait in the queue
// for a slot, or reject with the matching status and code. The slot is
// released when the handler returns, which also feeds the response-time
// sample.
func (r *Router) admit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ticket, err := r.throttler.Admit(req.Context(), clientKey(req), req.URL.Path)
		if err != nil {
			r.rejectAdmission(w, req, err)
			return
		}
		defer ticket.Done()

		applyRateHeaders(w, ticket.RateLimit)
		w.Header().Set("X-Admission-ID", ticket.ID)
		next(w, req)
	}
}

func (r *Router) rejectAdmission(w http.ResponseWriter, req *http.Request, err error) {
	retry, _ := admission.RetryAfterHint(err)
	switch {
	case errors.Is(err, admission.ErrRateLimited):
		r.recordRejection("rate_limit")
		writeRejection(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded, slow down", retry)
	case errors.Is(err, admission.ErrQueueFull):
		r.recordRejection("queue_full")
		writeRejection(w, http.StatusServiceUnavailable, codeQueueFull, "server is at capacity, try again shortly", retry)
	case errors.Is(err, admission.ErrQueueTimeout):
		r.recordRejection("queue_timeout")
		writeRejection(w, http.StatusRequestTimeout, codeQueueTimeout, "timed out waiting for an execution slot", 0)
	case errors.Is(err, admission.ErrShutdown):
		r.recordRejection("shutdown")
		writeRejection(w, http.StatusServiceUnavailable, codeShutdown, "server is shutting down", 0)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Caller disconnected while queued; there is nobody to answer.
		r.recordRejection("client_gone")
		r.logger.Debug("caller gone before admission", "path", req.URL.Path)
	default:
		r.logger.Error("admission failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "admission failed")
	}
}

// rejectCircuitOpen answers a request whose downstream call was
// short-circuited by an open breaker.
func (r *Router) rejectCircuitOpen(w http.ResponseWriter, openErr *breaker.OpenError) {
	r.recordRejection("circuit_open")
	writeRejection(w, http.StatusServiceUnavailable, codeCircuitOpen,
		"upstream "+openErr.Service+" is unavailable", openErr.RetryAfter)
}

func applyRateHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	if dec.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
}

// clientKey derives the per-client rate-limit key: first hop of
// X-Forwarded-For when present, otherwise the socket peer address.
func clientKey(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first, _, _ := strings.Cut(forwarded, ","); strings.TrimSpace(first) != "" {
			return "ip:" + strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
