package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func staticToken() (string, error) { return "test-token", nil }

func TestClient_JSON_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("got Authorization %q", got)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken, WithBaseDelay(0))
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.JSON(context.Background(), "GET", "/x", nil, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.OK {
		t.Errorf("got ok=false")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestClient_JSON_RetriesOn503(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken, WithBaseDelay(time.Millisecond))
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.JSON(context.Background(), "GET", "/x", nil, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
}

func TestClient_JSON_DoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken, WithBaseDelay(0))
	err := c.JSON(context.Background(), "GET", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d calls, want 1 (4xx must not retry)", calls)
	}
}

func TestClient_JSON_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, staticToken, WithBaseDelay(time.Millisecond), WithMaxAttempts(2))
	err := c.JSON(context.Background(), "GET", "/x", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
}
