package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockWorker implements WorkerStatus for testing.
type mockWorker struct {
	joined bool
}

func (m *mockWorker) IsJoined() bool { return m.joined }

// mockCatalogChecker implements CatalogChecker for testing.
type mockCatalogChecker struct {
	err error
}

func (m *mockCatalogChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(joined bool) *Server {
	logger := zap.NewNop()
	w := &mockWorker{joined: joined}
	// nil catalogChecker — readyz will report catalog as "error".
	return NewServer(":0", nil, w, logger)
}

func newTestServerWithCatalog(cat CatalogChecker, joined bool) *Server {
	s := newTestServer(joined)
	s.catalogChecker = cat
	return s
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer(false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_WorkerNotJoined(t *testing.T) {
	s := newTestServer(false)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["source"] != "not_joined" {
		t.Errorf("expected source 'not_joined', got '%v'", checks["source"])
	}
	if checks["catalog"] != "error" {
		t.Errorf("expected catalog 'error' (nil checker), got '%v'", checks["catalog"])
	}
}

func TestReadyz_WorkerJoinedButCatalogDown(t *testing.T) {
	s := newTestServer(true)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	// Worker joined but catalog checker is nil -> catalog check fails -> 503.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (catalog down), got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	checks := body["checks"].(map[string]any)
	if checks["source"] != "ok" {
		t.Errorf("expected source 'ok', got '%v'", checks["source"])
	}
	if checks["catalog"] != "error" {
		t.Errorf("expected catalog 'error', got '%v'", checks["catalog"])
	}
}

func TestReadyz_ContentType(t *testing.T) {
	s := newTestServer(false)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	cat := &mockCatalogChecker{err: nil}
	s := newTestServerWithCatalog(cat, true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}

	checks := body["checks"].(map[string]any)
	if checks["catalog"] != "ok" {
		t.Errorf("expected catalog 'ok', got '%v'", checks["catalog"])
	}
	if checks["source"] != "ok" {
		t.Errorf("expected source 'ok', got '%v'", checks["source"])
	}
}
