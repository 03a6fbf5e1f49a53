package opsroutes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store/memstore"
)

func TestHealthRouteOK(t *testing.T) {
	srv := &Server{Store: memstore.New(), Version: "test", ServiceName: "connectiond", Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "OK" {
		t.Fatalf("expected status OK, got %v", body)
	}
}

func TestLBHeartbeatAlwaysOK(t *testing.T) {
	srv := &Server{Store: memstore.New(), Version: "test", Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/__lbheartbeat__", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestVersionRoute(t *testing.T) {
	srv := &Server{Store: memstore.New(), Version: "1.2.3", ServiceName: "endpointd", Log: zerolog.Nop()}
	r := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/__version__", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["version"] != "1.2.3" || body["service"] != "endpointd" {
		t.Fatalf("unexpected body: %v", body)
	}
}
