// v2
// internal/circuitbreaker/httpcb.go
package circuitbreaker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPClient wraps an http.Client with circuit breaker behavior. Responses
// with a 5xx status count as failures; 4xx responses are returned to the
// caller untouched because they describe the request, not the remote health.
type HTTPClient struct {
	Client *http.Client
	brk    *Breaker
}

// NewHTTPClient builds a breaker-protected client. probeURL may be empty, in
// which case the breaker reopens purely on the half-open request outcome.
func NewHTTPClient(name string, cfg Config, probeURL string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	var probe func(ctx context.Context) error
	if probeURL != "" {
		probe = func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.CopyN(io.Discard, resp.Body, 64)
			if resp.StatusCode >= 200 && resp.StatusCode < 500 {
				return nil
			}
			return fmt.Errorf("probe_bad_status: %d", resp.StatusCode)
		}
	}
	return NewHTTPClientWithProbe(name, cfg, probe, httpClient, logger)
}

// NewHTTPClientWithProbe is NewHTTPClient with a caller-supplied half-open
// probe. The probe must use Client directly so it does not re-enter the breaker.
func NewHTTPClientWithProbe(name string, cfg Config, probe func(ctx context.Context) error, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{Client: httpClient, brk: New(name, cfg, probe, logger)}
}

// Breaker exposes the underlying breaker for inspection and metrics.
func (h *HTTPClient) Breaker() *Breaker { return h.brk }

// Do sends req through the breaker.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.brk.Execute(req.Context(), func(ctx context.Context) error {
		r, err := h.Client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			_, _ = io.CopyN(io.Discard, r.Body, 512)
			r.Body.Close()
			return fmt.Errorf("upstream status %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	return resp, err
}
