package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestSendSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("missing header, got %q", r.Header.Get("X-Test"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClient(rate.Inf, 1)
	body, err := c.Send(context.Background(), "test", http.MethodGet, server.URL, map[string]string{"X-Test": "yes"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := NewClient(rate.Inf, 1, WithAttempts(3))
	body, err := c.Send(context.Background(), "test", http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %s", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestSendDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	defer server.Close()

	c := NewClient(rate.Inf, 1, WithAttempts(3))
	_, err := c.Send(context.Background(), "test", http.MethodGet, server.URL, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.Temporary() {
		t.Error("404 should not be temporary")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 404)", n)
	}
}

func TestSendHonorsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	// Zero-rate limiter: Wait blocks until ctx is cancelled.
	c := NewClient(rate.Every(time.Hour), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, "test", http.MethodGet, server.URL, nil, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestBucketsGetIndependentLimiters(t *testing.T) {
	c := NewClient(rate.Every(time.Second), 1)
	a := c.limiter("a")
	b := c.limiter("b")
	if a == b {
		t.Error("expected distinct limiters per bucket")
	}
	if a != c.limiter("a") {
		t.Error("expected stable limiter for a bucket")
	}
}
