// Package httpx is the HTTP surface of the admission gateway: the admission
// middleware, the forwarding handler, and the status endpoints.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerline/gate/internal/admission"
	"github.com/ledgerline/gate/internal/breaker"
	"github.com/ledgerline/gate/internal/downstream"
	"github.com/ledgerline/gate/internal/monitor"
	"github.com/ledgerline/gate/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// Router wires the admission layer around the forwarding and status routes.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	throttler *admission.Throttler
	mon       *monitor.Monitor
	upstream  *downstream.Client
	hub       *ws.Hub
	upgrader  websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rejectionTotal     *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, throttler *admission.Throttler, mon *monitor.Monitor, upstream *downstream.Client, hub *ws.Hub) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		throttler: throttler,
		mon:       mon,
		upstream:  upstream,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.registerRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) registerRoutes() {
	// Status surfaces stay outside admission so they remain observable while
	// the gate is saturated. Everything else funnels through admit.
	r.mux.HandleFunc("/healthz", r.audit(r.admit(r.handleHealthz)))
	r.mux.HandleFunc("/v1/status", r.audit(r.handleStatus))
	r.mux.HandleFunc("/v1/status/stream", r.audit(r.handleStream))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/", r.audit(r.admit(r.handleForward)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"

	st := r.mon.Status()
	if st.Healthy {
		components["admission"] = map[string]any{"status": "up"}
	} else {
		status = "degraded"
		components["admission"] = map[string]any{
			"status":                "saturated",
			"queueUtilization":      st.QueueUtilization,
			"concurrentUtilization": st.ConcurrentUtilization,
		}
	}

	if r.upstream != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.upstream.Health(ctx); err != nil {
			status = "degraded"
			components[r.upstream.Service()] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components[r.upstream.Service()] = map[string]any{"status": "up"}
		}
	}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.mon.Status())
}

// handleForward relays an admitted request to the upstream through the
// circuit breaker.
func (r *Router) handleForward(w http.ResponseWriter, req *http.Request) {
	err := r.upstream.Forward(w, req)
	if err == nil {
		return
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		r.rejectCircuitOpen(w, open)
		return
	}
	r.logger.Error("upstream call failed", "upstream", r.upstream.Service(), "error", err)
	writeError(w, http.StatusBadGateway, "upstream unreachable")
}

// handleStream serves the live snapshot feed, as a websocket when the client
// asks for an upgrade and as Server-Sent Events otherwise.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := ws.NewClient(conn, r.logger)
		r.hub.Register(client)
		// Reads only detect the peer hanging up; inbound frames are ignored.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					r.hub.Unregister(client)
					client.Close()
					return
				}
			}
		}()
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(client)
	defer r.hub.Unregister(client)

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// audit logs every request with its outcome and feeds the Prometheus
// counters.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if id := strings.TrimSpace(recorder.Header().Get("X-Admission-ID")); id != "" {
			fields = append(fields, "admission_id", id)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
