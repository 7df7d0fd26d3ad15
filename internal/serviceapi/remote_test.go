package serviceapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"opsman/internal/model"
)

func testService(baseURL string, attempts int) model.ServiceConfig {
	return model.ServiceConfig{
		BaseURL:             baseURL,
		TokenEnv:            "SPRITE_TOKEN",
		RetryAttempts:       attempts,
		RetryBackoffSeconds: 0,
	}
}

func TestLoopStatusSendsBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"loop": {"loop_id": "loop-1", "status": "running", "iteration": 4, "run_id": "run-9"}}`))
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 1), time.Second)
	client.lookupEnv = func(key string) (string, bool) {
		if key == "SPRITE_TOKEN" {
			return "sekrit", true
		}
		return "", false
	}

	status, err := client.LoopStatus(context.Background(), "loop-1")
	if err != nil {
		t.Fatalf("loop status: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotPath != "/api/v1/loops/loop-1/status" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if status.Status != model.LoopStatusRunning || status.Iteration != 4 || status.RunID != "run-9" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestLoopStatusRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"error": {"code": "unavailable", "message": "warming up"}}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"loop": {"loop_id": "loop-1", "status": "idle"}}`))
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 3), time.Second)
	client.lookupEnv = func(string) (string, bool) { return "", false }

	status, err := client.LoopStatus(context.Background(), "loop-1")
	if err != nil {
		t.Fatalf("loop status: %v", err)
	}
	if status.Status != model.LoopStatusIdle {
		t.Fatalf("unexpected status %s", status.Status)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestLoopStatusExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 2), time.Second)
	client.lookupEnv = func(string) (string, bool) { return "", false }

	if _, err := client.LoopStatus(context.Background(), "loop-1"); err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestLoopStatusDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error": {"code": "not_found", "message": "no such loop"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 5), time.Second)
	client.lookupEnv = func(string) (string, bool) { return "", false }

	_, err := client.LoopStatus(context.Background(), "loop-x")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "not_found") {
		t.Fatalf("expected decoded remote error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 1), time.Second)
	client.lookupEnv = func(string) (string, bool) { return "", false }
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestHealthDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "degraded"}`))
	}))
	defer server.Close()

	client := NewRemoteLoop(testService(server.URL, 1), time.Second)
	client.lookupEnv = func(string) (string, bool) { return "", false }
	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected degraded health error")
	}
}

func TestLoopStatusRequiresLoopID(t *testing.T) {
	client := NewRemoteLoop(testService("http://127.0.0.1:0", 1), time.Second)
	if _, err := client.LoopStatus(context.Background(), " "); err == nil {
		t.Fatalf("expected loop id requirement")
	}
}
