package toolserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/g960059/bridged/internal/dispatch"
	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/testutil"
)

func newTestServer(t *testing.T, assistantID model.AssistantId) *Server {
	t.Helper()
	st, ctx := testutil.NewStore(t)
	_ = ctx
	clients := registry.NewClientRegistry()
	d := dispatch.New(dispatch.Options{Store: st, Clients: clients})
	return New(assistantID, st, d, nil)
}

func callTool(t *testing.T, s *Server, name string, args map[string]any) toolResult {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	params, err := json.Marshal(toolCallParams{Name: name, Arguments: argsJSON})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return callRaw(t, s, params)
}

func callRaw(t *testing.T, s *Server, params json.RawMessage) toolResult {
	t.Helper()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "tools/call", Params: params})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	respBody := s.Handle(context.Background(), body)
	var resp struct {
		Result toolResult `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp.Result
}

func TestWhoAmIReturnsClientID(t *testing.T) {
	s := newTestServer(t, model.AssistantClaude)
	result := callTool(t, s, "who_am_i", nil)
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["client_id"] != "claude" {
		t.Fatalf("expected claude, got %s", payload["client_id"])
	}
}

func TestCreateConversationRequiresIdentity(t *testing.T) {
	s := newTestServer(t, model.AssistantNone)
	result := callTool(t, s, "create_conversation", map[string]any{"title": "test"})
	if !result.IsError {
		t.Fatal("expected error result for unidentified client")
	}
}

func TestSendMessageRejectsInvalidTarget(t *testing.T) {
	s := newTestServer(t, model.AssistantClaude)
	result := callTool(t, s, "send_message", map[string]any{"target": "nobody", "content": "hi"})
	if !result.IsError {
		t.Fatal("expected error result for invalid target")
	}
}
