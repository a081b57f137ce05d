package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type fakeConsumer struct{ joined bool }

func (f fakeConsumer) IsJoined() bool { return f.joined }

type fakePools struct{ data map[string]any }

func (f fakePools) Snapshot() any { return f.data }

func newTestServer(consumer ConsumerStatus, pools PoolInspector) *Server {
	s := &Server{consumer: consumer, pools: pools, logger: zap.NewNop()}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/debug/pools", s.handleDebugPools)
	s.srv = &http.Server{Handler: mux}
	return s
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(fakeConsumer{joined: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleReadyz_NotJoined(t *testing.T) {
	s := newTestServer(fakeConsumer{joined: false}, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected not_ready status, got %v", body["status"])
	}
}

func TestHandleDebugPools_NoPools(t *testing.T) {
	s := newTestServer(fakeConsumer{joined: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/debug/pools", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when pools unset, got %d", rec.Code)
	}
}

func TestHandleDebugPools_WithData(t *testing.T) {
	s := newTestServer(fakeConsumer{joined: true}, fakePools{data: map[string]any{"default": 3}})
	req := httptest.NewRequest(http.MethodGet, "/debug/pools", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["default"].(float64) != 3 {
		t.Errorf("unexpected snapshot body: %+v", body)
	}
}
