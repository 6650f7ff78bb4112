package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/g960059/bridged/internal/httpapi"
	"github.com/g960059/bridged/internal/model"
)

type fakeSessionSource struct {
	views []httpapi.SessionView
}

func (f fakeSessionSource) Sessions() []httpapi.SessionView { return f.views }
func (f fakeSessionSource) SessionCount() int               { return len(f.views) }

type fakeKGProbe struct {
	available bool
}

func (f fakeKGProbe) Available(ctx context.Context) bool { return f.available }

func TestStatusHandlerReportsSessions(t *testing.T) {
	source := fakeSessionSource{views: []httpapi.SessionView{
		{ID: "sess-1", ClientID: model.AssistantClaude},
	}}
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	httpapi.StatusHandler(source)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["sessionCount"] != float64(1) {
		t.Fatalf("expected sessionCount 1, got %v", body["sessionCount"])
	}
	if body["schemaVersion"] != "v1" {
		t.Fatalf("expected schemaVersion v1, got %v", body["schemaVersion"])
	}
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("expected one session in payload, got %v", body["sessions"])
	}
}

func TestStatusHandlerReportsEmptySessionList(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	httpapi.StatusHandler(fakeSessionSource{})(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["sessionCount"] != float64(0) {
		t.Fatalf("expected sessionCount 0, got %v", body["sessionCount"])
	}
}

func TestHealthHandlerReportsKnowledgeGraphAvailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	httpapi.HealthHandler(fakeKGProbe{available: true})(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["knowledge_graph"] != "available" {
		t.Fatalf("expected knowledge_graph available, got %v", body["knowledge_graph"])
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHealthHandlerReportsKnowledgeGraphUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	httpapi.HealthHandler(fakeKGProbe{available: false})(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["knowledge_graph"] != "unavailable" {
		t.Fatalf("expected knowledge_graph unavailable, got %v", body["knowledge_graph"])
	}
}

func TestHealthHandlerHandlesNilProbe(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	httpapi.HealthHandler(nil)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even with nil probe, got %d", rec.Code)
	}
}
