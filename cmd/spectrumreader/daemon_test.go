package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/spectrumreader/internal/bufferpool"
	"github.com/oriys/spectrumreader/internal/config"
	"github.com/oriys/spectrumreader/internal/consumerqueue"
	"github.com/oriys/spectrumreader/internal/rdma"
	"github.com/oriys/spectrumreader/internal/reactor"
)

func testReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	pool, err := bufferpool.New(64, 4096, 4)
	if err != nil {
		t.Fatalf("bufferpool.New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	consumers := consumerqueue.NewRegistry(8)
	return reactor.New(rdma.NewFakeProvider(), pool, consumers, config.DefaultConfig().Reader)
}

func TestStatusMuxHealthz(t *testing.T) {
	mux := newStatusMux(testReactor(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestStatusMuxStatusBeforeFirstTick(t *testing.T) {
	mux := newStatusMux(testReactor(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got reactor.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.RunState != "init" {
		t.Fatalf("run_state = %q, want init before the reactor has ticked", got.RunState)
	}
	if len(got.Connections) != 0 {
		t.Fatalf("connections = %v, want empty", got.Connections)
	}
}

func TestStatusMuxMetricsUnavailableWithoutInit(t *testing.T) {
	mux := newStatusMux(testReactor(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mux.ServeHTTP(rec, req)

	// metrics.InitPrometheus is only called from runCmd; without it the
	// handler degrades to 503 rather than panicking (internal/metrics'
	// nil-guard).
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when Prometheus was never initialized", rec.Code)
	}
}
