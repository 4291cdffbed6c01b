package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"copad/engine/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) (*Service, http.Handler) {
	t.Helper()
	svc := New(cfg, nil)
	return svc, NewHTTPServer(svc, "*").Handler()
}

func TestCreateSession(t *testing.T) {
	svc, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"title":"notes"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	id, _ := response["sessionId"].(string)
	if id == "" {
		t.Fatalf("expected a sessionId, got %v", response)
	}
	if _, ok := svc.SessionInfo(id); !ok {
		t.Errorf("created session %s not registered", id)
	}
}

func TestCreateSessionWithDocumentID(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"documentId":"doc-1"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["sessionId"] != "doc-1" {
		t.Errorf("expected sessionId=doc-1, got %v", response["sessionId"])
	}
}

func TestCreateSessionEmptyBody(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201 for bodyless create, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionInfoNotFound(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["code"] != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %v", response["code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	svc, handler := newTestServer(t, config.Config{})
	svc.sessions.Ensure("s1")
	svc.sessions.Ensure("s2")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if response["activeSessions"] != float64(2) {
		t.Errorf("expected activeSessions=2, got %v", response["activeSessions"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "copad_active_sessions") {
		t.Errorf("expected copad_active_sessions in metrics output")
	}
}

func TestOptionsRequest(t *testing.T) {
	_, handler := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
}
