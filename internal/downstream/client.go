// Package downstream talks to the services behind the gateway. Every call
// runs through the circuit breaker; while a service's circuit is open the
// call is short-circuited without touching the network.
package downstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerline/gate/internal/breaker"
)

// UpstreamStatusError marks a 5xx reply from upstream. The breaker counts it
// as a failure; the reply itself is still relayed to the caller unaltered.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream replied %d", e.Status)
}

// Client forwards requests to one named upstream service.
type Client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	breaker    *breaker.Breaker
	log        *slog.Logger
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client for the named service at the given base URL.
func New(service, base string, br *breaker.Breaker, logger *slog.Logger, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("upstream base url required for %s", service)
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "downstream", "upstream", service)
	}
	c := &Client{
		service:    service,
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    br,
		log:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Service returns the downstream service name used for circuit partitioning.
func (c *Client) Service() string { return c.service }

// Forward proxies req to the upstream and writes the reply, whatever its
// status, to w. The returned error is non-nil only when no reply was
// produced: a short-circuited call (*breaker.OpenError) or a transport
// failure.
func (c *Client) Forward(w http.ResponseWriter, req *http.Request) error {
	target := c.baseURL + req.URL.RequestURI()
	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(outReq.Header, req.Header)
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		outReq.Header.Set("X-Forwarded-For", host)
	}

	var resp *http.Response
	err = c.breaker.Do(c.service, func() error {
		out, doErr := c.httpClient.Do(outReq)
		if doErr != nil {
			return doErr
		}
		resp = out
		if out.StatusCode >= http.StatusInternalServerError {
			return &UpstreamStatusError{Status: out.StatusCode}
		}
		return nil
	})
	if resp == nil {
		return err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, copyErr := io.Copy(w, resp.Body); copyErr != nil && c.log != nil {
		c.log.Warn("relay upstream body failed", "error", copyErr)
	}
	return nil
}

// Health probes the upstream health endpoint through the breaker.
func (c *Client) Health(ctx context.Context) error {
	target := c.baseURL + "/healthz"
	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.breaker.Do(c.service, func() error {
		resp, doErr := c.httpClient.Do(outReq)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError {
			return &UpstreamStatusError{Status: resp.StatusCode}
		}
		return nil
	})
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
