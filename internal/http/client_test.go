package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = 10 * time.Millisecond
	opts.RetryMaxBackoff = 50 * time.Millisecond
	return opts
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "pakfetch" {
			t.Errorf("expected pakfetch user agent, got %q", got)
		}
		w.Write([]byte("Hello, World!"))
	}))
	defer server.Close()

	client := NewClient(testOptions())
	body, err := client.Get(context.Background(), server.URL, http.Header{"Authorization": {"Bearer tok"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "Hello, World!" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestGetNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testOptions())
	_, err := client.Get(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(testOptions())
	body, err := client.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestRetryGivesUp(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions()
	opts.RetryAttempts = 2
	client := NewClient(opts)
	_, err := client.Get(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected ErrServerError, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestWithoutRetries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions()
	opts.RequestsPerSecond = 100
	client := NewClient(opts)
	once := client.WithoutRetries()

	_, err := once.Get(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected ErrServerError, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
	if once.limiter != client.limiter {
		t.Error("expected request pacing to be shared")
	}

	attempts.Store(0)
	client.Get(context.Background(), server.URL, nil)
	if attempts.Load() != 4 {
		t.Errorf("expected the original client to keep retrying, got %d attempts", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testOptions())
	_, err := client.Get(context.Background(), server.URL, nil)
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts.Load())
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"gordon"}` {
			t.Errorf("unexpected request body %s", body)
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"result":"invalid_password"}`))
	}))
	defer server.Close()

	client := NewClient(testOptions())

	var out struct {
		Result string `json:"result"`
	}
	in := map[string]string{"name": "gordon"}

	_, err := client.PostJSON(context.Background(), server.URL, nil, in, &out)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	status, err := client.PostJSON(context.Background(), server.URL, nil, in, &out, http.StatusUnauthorized)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if status != http.StatusUnauthorized || out.Result != "invalid_password" {
		t.Errorf("unexpected response %d %+v", status, out)
	}
}

func TestRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	opts := testOptions()
	opts.RequestsPerSecond = 20
	client := NewClient(opts)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Get(context.Background(), server.URL, nil); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("expected pacing to slow requests, took %s", elapsed)
	}
}

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(800*time.Millisecond, 8)
		if d < 800*time.Millisecond || d >= 900*time.Millisecond {
			t.Fatalf("jitter out of range: %s", d)
		}
	}
	if d := Jitter(3, 8); d != 3 {
		t.Errorf("tiny durations are returned unchanged, got %s", d)
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(testOptions())
	_, err := client.Get(ctx, server.URL, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
