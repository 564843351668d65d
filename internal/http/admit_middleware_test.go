package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRateLimitedResponseContract(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.perMinute = 1
	f := newFixture(t, okUpstream, cfg)

	first := httptest.NewRecorder()
	f.router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", first.Code)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("error code = %v", body["error"])
	}
	if msg, ok := body["message"].(string); !ok || msg == "" {
		t.Fatalf("missing message: %v", body)
	}
	if retry, ok := body["retryAfterSeconds"].(float64); !ok || retry < 1 {
		t.Fatalf("missing retryAfterSeconds: %v", body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestDistinctClientsHaveSeparateBudgets(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.perMinute = 1
	f := newFixture(t, okUpstream, cfg)

	reqA := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	reqA.RemoteAddr = "10.0.0.1:5000"
	recA := httptest.NewRecorder()
	f.router.ServeHTTP(recA, reqA)

	reqB := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	reqB.RemoteAddr = "10.0.0.2:5000"
	recB := httptest.NewRecorder()
	f.router.ServeHTTP(recB, reqB)

	if recA.Code != http.StatusOK || recB.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d; want 200, 200", recA.Code, recB.Code)
	}
}

func TestQueueFullResponseContract(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.maxConcurrent = 1
	cfg.maxQueue = 0
	unblock := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, req *http.Request) {
		<-unblock
		w.WriteHeader(http.StatusOK)
	}, cfg)
	defer close(unblock)

	go func() {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	}()
	waitFor(t, "first request to occupy the slot", func() bool {
		return f.throttler.Stats().ActiveRequests == 1
	})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "QUEUE_FULL" {
		t.Fatalf("error code = %v", body["error"])
	}
	if _, ok := body["retryAfterSeconds"].(float64); !ok {
		t.Fatalf("missing retryAfterSeconds: %v", body)
	}
}

func TestQueueTimeoutResponseContract(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.maxConcurrent = 1
	cfg.maxQueue = 1
	cfg.queueTimeout = 50 * time.Millisecond
	unblock := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, req *http.Request) {
		<-unblock
		w.WriteHeader(http.StatusOK)
	}, cfg)
	defer close(unblock)

	go func() {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	}()
	waitFor(t, "first request to occupy the slot", func() bool {
		return f.throttler.Stats().ActiveRequests == 1
	})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "QUEUE_TIMEOUT" {
		t.Fatalf("error code = %v", body["error"])
	}
	if got := f.throttler.Stats().QueuedRequests; got != 0 {
		t.Fatalf("queued after timeout = %d, want 0", got)
	}
}

func TestCircuitOpenResponseContract(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.breakerThreshold = 1
	f := newFixture(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}, cfg)

	// First call trips the breaker but the upstream 500 is relayed as-is.
	first := httptest.NewRecorder()
	f.router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want relayed 500", first.Code)
	}
	if first.Body.String() != "upstream exploded" {
		t.Fatalf("upstream error body altered: %q", first.Body.String())
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "CIRCUIT_BREAKER_OPEN" {
		t.Fatalf("error code = %v", body["error"])
	}
	if retry, ok := body["retryAfterSeconds"].(float64); !ok || retry < 1 {
		t.Fatalf("missing retryAfterSeconds: %v", body)
	}
}

func TestClientKeyDerivation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.RemoteAddr = "203.0.113.9:4321"
	if got := clientKey(req); got != "ip:203.0.113.9" {
		t.Fatalf("clientKey = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := clientKey(req); got != "ip:198.51.100.7" {
		t.Fatalf("clientKey with XFF = %q", got)
	}
}
