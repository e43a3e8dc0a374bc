// v0
// internal/circuitbreaker/httpcb_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient("upstream", Config{MaxFailures: 2, ResetTimeout: time.Hour}, "", srv.Client(), nil)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if _, err := client.Do(req); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if client.Breaker().State() != Open {
		t.Fatalf("expected breaker open, got %s", client.Breaker().State())
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := client.Do(req); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 upstream hits, got %d", hits.Load())
	}
}

func TestHTTPClientPassesClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewHTTPClient("upstream", Config{MaxFailures: 1, ResetTimeout: time.Hour}, "", srv.Client(), nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if client.Breaker().State() != Closed {
		t.Fatalf("expected breaker closed, got %s", client.Breaker().State())
	}
}

func TestHTTPClientCustomProbeKeepsBreakerOpen(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var probes atomic.Int32
	probe := func(context.Context) error {
		probes.Add(1)
		if !healthy.Load() {
			return errors.New("still down")
		}
		return nil
	}
	client := NewHTTPClientWithProbe("upstream", Config{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond}, probe, srv.Client(), nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := client.Do(req); err == nil {
		t.Fatalf("expected first call to fail")
	}
	time.Sleep(20 * time.Millisecond)

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := client.Do(req); !errors.Is(err, ErrOpen) {
		t.Fatalf("failed probe must fast-fail, got %v", err)
	}
	if client.Breaker().State() != Open || hits.Load() != 1 {
		t.Fatalf("expected open breaker and no extra upstream hit, got %s and %d hits", client.Breaker().State(), hits.Load())
	}

	healthy.Store(true)
	time.Sleep(20 * time.Millisecond)
	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	resp.Body.Close()
	if client.Breaker().State() != Closed || probes.Load() != 2 {
		t.Fatalf("expected closed breaker after 2 probes, got %s and %d", client.Breaker().State(), probes.Load())
	}
}
