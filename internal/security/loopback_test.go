package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func handlerOK() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLoopbackOnlyAllowsLocalRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Host = "127.0.0.1:3790"
	r.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()

	LoopbackOnly(handlerOK()).ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestLoopbackOnlyRejectsOriginHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Host = "127.0.0.1:3790"
	r.RemoteAddr = "127.0.0.1:54321"
	r.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()

	LoopbackOnly(handlerOK()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestLoopbackOnlyRejectsNonLoopbackRemote(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Host = "127.0.0.1:3790"
	r.RemoteAddr = "10.0.0.5:54321"
	w := httptest.NewRecorder()

	LoopbackOnly(handlerOK()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestLoopbackOnlyRejectsDisallowedHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Host = "evil.example.com"
	r.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()

	LoopbackOnly(handlerOK()).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
