// Package toolserver implements the schema-validated tool registry that
// sits behind Transport: it decodes a JSON-RPC tool invocation, validates
// and trims its arguments, dispatches to the store/dispatcher, and
// serialises the result into the tool-result envelope.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/bridged/internal/dispatch"
	"github.com/g960059/bridged/internal/kgsync"
	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/store"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(v any) toolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return toolResult{Content: []contentItem{{Type: "text", Text: string(b)}}}
}

func errorResult(err error) toolResult {
	b, _ := json.Marshal(map[string]string{"error": err.Error()}) //nolint:errcheck
	return toolResult{Content: []contentItem{{Type: "text", Text: string(b)}}, IsError: true}
}

var errUnknownClient = errors.New(model.ErrUnknownClient)

type Server struct {
	assistantID model.AssistantId
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	kg          *kgsync.Client
}

func New(assistantID model.AssistantId, st *store.Store, d *dispatch.Dispatcher, kg *kgsync.Client) *Server {
	return &Server{assistantID: assistantID, store: st, dispatcher: d, kg: kg}
}

// Handle satisfies transport.ToolServer.
func (s *Server) Handle(ctx context.Context, body []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return mustMarshal(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "bridged", "version": "1"},
		}
	case "notifications/initialized":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": toolDefinitions()}
	case "tools/call":
		resp.Result = s.handleToolCall(ctx, req.Params)
	default:
		resp.Error = &rpcError{Code: -32601, Message: "Method not found"}
	}
	return mustMarshal(resp)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`)
	}
	return b
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, raw json.RawMessage) toolResult {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResult(fmt.Errorf("malformed tool call: %w", err))
	}
	args := params.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}

	switch params.Name {
	case "who_am_i":
		return s.whoAmI()
	case "create_conversation":
		return s.createConversation(ctx, args)
	case "list_conversations":
		return s.listConversations(ctx, args)
	case "get_conversation":
		return s.getConversation(ctx, args)
	case "close_conversation":
		return s.closeConversation(ctx, args)
	case "send_message":
		return s.sendMessage(ctx, args)
	case "get_response":
		return s.getResponse(ctx, args)
	case "get_history":
		return s.getHistory(ctx, args)
	case "mark_message_read":
		return s.markMessageRead(ctx, args)
	case "share_context":
		return s.shareContext(ctx, args)
	case "get_shared_context":
		return s.getSharedContext(ctx, args)
	case "list_shared_context":
		return s.listSharedContext(ctx, args)
	case "delegate_research":
		return s.delegateResearch(ctx, args)
	case "request_review":
		return s.requestReview(ctx, args)
	default:
		return errorResult(fmt.Errorf("unknown tool %q", params.Name))
	}
}

func decode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// --- who_am_i ---------------------------------------------------------------

func (s *Server) whoAmI() toolResult {
	desc := "unidentified client"
	switch s.assistantID {
	case model.AssistantClaude:
		desc = "Claude Code CLI"
	case model.AssistantCodex:
		desc = "Codex CLI"
	}
	return textResult(map[string]any{"client_id": string(s.assistantID), "description": desc})
}

// --- conversations -----------------------------------------------------------

type createConversationArgs struct {
	Title   *string `json:"title,omitempty"`
	Project *string `json:"project,omitempty"`
}

func (s *Server) createConversation(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args createConversationArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	now := time.Now()
	conv := model.Conversation{
		ID:        uuid.NewString(),
		Title:     args.Title,
		Project:   args.Project,
		Status:    model.ConversationActive,
		CreatedBy: s.assistantID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return errorResult(err)
	}
	return textResult(conv)
}

type listConversationsArgs struct {
	Status *string `json:"status,omitempty"`
	Limit  *int    `json:"limit,omitempty"`
	Offset *int    `json:"offset,omitempty"`
}

func (s *Server) listConversations(ctx context.Context, raw json.RawMessage) toolResult {
	var args listConversationsArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	status := "active"
	if args.Status != nil {
		status = *args.Status
	}
	limit := clampLimit(args.Limit, 20, 100)
	offset := 0
	if args.Offset != nil && *args.Offset >= 0 {
		offset = *args.Offset
	}
	convs, err := s.store.ListConversations(ctx, status, limit, offset)
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"conversations": convs})
}

type conversationIDArgs struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) getConversation(ctx context.Context, raw json.RawMessage) toolResult {
	var args conversationIDArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	conv, err := s.store.GetConversation(ctx, args.ConversationID)
	if err != nil {
		return errorResult(translateNotFound(err, model.ErrConversationNotFound))
	}
	return textResult(conv)
}

type closeConversationArgs struct {
	ConversationID string  `json:"conversation_id"`
	Summary        *string `json:"summary,omitempty"`
	Sync           *bool   `json:"sync,omitempty"`
}

func (s *Server) closeConversation(ctx context.Context, raw json.RawMessage) toolResult {
	var args closeConversationArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	conv, err := s.store.CloseConversation(ctx, args.ConversationID, model.ConversationCompleted, args.Summary, time.Now())
	if err != nil {
		return errorResult(translateNotFound(err, model.ErrConversationNotFound))
	}
	sync := args.Sync == nil || *args.Sync
	if sync && args.Summary != nil && *args.Summary != "" && s.kg != nil {
		go s.kg.SyncConversationSummary(context.Background(), conv)
	}
	return textResult(conv)
}

// --- messages ----------------------------------------------------------------

type sendMessageArgs struct {
	ConversationID  *string `json:"conversation_id,omitempty"`
	Target          string  `json:"target"`
	Content         string  `json:"content"`
	Priority        *string `json:"priority,omitempty"`
	WaitForResponse *bool   `json:"wait_for_response,omitempty"`
	TimeoutMs       *int    `json:"timeout_ms,omitempty"`
	Agent           *string `json:"agent,omitempty"`
}

func (s *Server) sendMessage(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args sendMessageArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	target, ok := model.ParseAssistantId(args.Target)
	if !ok {
		return errorResult(fmt.Errorf("invalid target %q", args.Target))
	}
	priority := model.PriorityNormal
	if args.Priority != nil {
		priority = model.MessagePriority(*args.Priority)
	}
	wait := args.WaitForResponse == nil || *args.WaitForResponse
	timeoutMs := 60000
	if args.TimeoutMs != nil {
		timeoutMs = clampInt(*args.TimeoutMs, 1, 300000)
	}
	agent := ""
	if args.Agent != nil {
		agent = *args.Agent
	}

	result, err := s.dispatcher.SendMessage(ctx, dispatch.SendMessageInput{
		Sender:          s.assistantID,
		Target:          target,
		ConversationID:  args.ConversationID,
		Content:         args.Content,
		Priority:        priority,
		WaitForResponse: wait,
		TimeoutMs:       timeoutMs,
		Agent:           agent,
		UseOutputSchema: true,
	})
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{
		"message":         result.Message,
		"response":        result.Response,
		"invokedViaMcp":   result.InvokedViaMCP,
		"invocationError": emptyToNil(result.InvocationError),
	})
}

type getResponseArgs struct {
	MessageID string `json:"message_id"`
	TimeoutMs *int   `json:"timeout_ms,omitempty"`
}

func (s *Server) getResponse(ctx context.Context, raw json.RawMessage) toolResult {
	var args getResponseArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	timeoutMs := 30000
	if args.TimeoutMs != nil {
		timeoutMs = clampInt(*args.TimeoutMs, 1, 300000)
	}
	resp, ok := s.dispatcher.WaitForResponse(ctx, args.MessageID, time.Duration(timeoutMs)*time.Millisecond)
	if !ok {
		return textResult(map[string]any{"response": nil, "timeout": true})
	}
	return textResult(map[string]any{"response": resp, "timeout": false})
}

type getHistoryArgs struct {
	ConversationID string `json:"conversation_id"`
	Limit          *int   `json:"limit,omitempty"`
	Offset         *int   `json:"offset,omitempty"`
}

func (s *Server) getHistory(ctx context.Context, raw json.RawMessage) toolResult {
	var args getHistoryArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	limit := clampLimit(args.Limit, 50, 500)
	offset := 0
	if args.Offset != nil && *args.Offset >= 0 {
		offset = *args.Offset
	}
	msgs, err := s.store.ListMessages(ctx, args.ConversationID, limit, offset)
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"messages": msgs})
}

type markMessageReadArgs struct {
	MessageID string `json:"message_id"`
}

func (s *Server) markMessageRead(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args markMessageReadArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	msg, err := s.store.GetMessage(ctx, args.MessageID)
	if err != nil {
		return errorResult(translateNotFound(err, model.ErrMessageNotFound))
	}
	if msg.Target != s.assistantID {
		return errorResult(errors.New(model.ErrForbidden))
	}
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, model.MessageRead, time.Now()); err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"status": "read"})
}

// --- shared context ------------------------------------------------------

type shareContextArgs struct {
	ConversationID *string `json:"conversation_id,omitempty"`
	ContextType    string  `json:"context_type"`
	Content        string  `json:"content"`
	Description    *string `json:"description,omitempty"`
}

func (s *Server) shareContext(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args shareContextArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	sc := model.SharedContext{
		ID:             uuid.NewString(),
		ConversationID: args.ConversationID,
		ContextType:    model.SharedContextType(args.ContextType),
		Content:        args.Content,
		Description:    args.Description,
		SharedBy:       s.assistantID,
		CreatedAt:      time.Now(),
	}
	if err := s.store.CreateSharedContext(ctx, sc); err != nil {
		return errorResult(err)
	}
	return textResult(sc)
}

type getSharedContextArgs struct {
	ContextID string `json:"context_id"`
}

func (s *Server) getSharedContext(ctx context.Context, raw json.RawMessage) toolResult {
	var args getSharedContextArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	sc, err := s.store.GetSharedContext(ctx, args.ContextID)
	if err != nil {
		return errorResult(translateNotFound(err, model.ErrContextNotFound))
	}
	return textResult(sc)
}

type listSharedContextArgs struct {
	ConversationID *string `json:"conversation_id,omitempty"`
	Limit          *int    `json:"limit,omitempty"`
	Offset         *int    `json:"offset,omitempty"`
}

func (s *Server) listSharedContext(ctx context.Context, raw json.RawMessage) toolResult {
	var args listSharedContextArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	limit := clampLimit(args.Limit, 50, 200)
	offset := 0
	if args.Offset != nil && *args.Offset >= 0 {
		offset = *args.Offset
	}
	list, err := s.store.ListSharedContext(ctx, args.ConversationID, limit, offset)
	if err != nil {
		return errorResult(err)
	}
	return textResult(map[string]any{"shared_context": list})
}

// --- delegate_research / request_review --------------------------------

var researchDepthTimeout = map[string]int{"shallow": 120000, "medium": 300000, "deep": 600000}

type delegateResearchArgs struct {
	Target         string  `json:"target"`
	Topic          string  `json:"topic"`
	Context        *string `json:"context,omitempty"`
	Depth          *string `json:"depth,omitempty"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Sync           *bool   `json:"sync,omitempty"`
}

func (s *Server) delegateResearch(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args delegateResearchArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	target, ok := model.ParseAssistantId(args.Target)
	if !ok {
		return errorResult(fmt.Errorf("invalid target %q", args.Target))
	}
	depth := "medium"
	if args.Depth != nil {
		depth = *args.Depth
	}
	timeoutMs, ok := researchDepthTimeout[depth]
	if !ok {
		timeoutMs = researchDepthTimeout["medium"]
	}

	prompt := buildResearchPrompt(args.Topic, args.Context, depth)
	result, err := s.dispatcher.SendMessage(ctx, dispatch.SendMessageInput{
		Sender:          s.assistantID,
		Target:          target,
		ConversationID:  args.ConversationID,
		Content:         prompt,
		MessageType:     model.MessageTypeResearchRequest,
		Priority:        model.PriorityNormal,
		WaitForResponse: true,
		TimeoutMs:       timeoutMs,
		UseOutputSchema: true,
	})
	if err != nil {
		return errorResult(err)
	}
	if result.Response != nil && (args.Sync == nil || *args.Sync) && s.kg != nil {
		go s.kg.SyncMessage(context.Background(), *result.Response)
	}
	return textResult(map[string]any{
		"message":  result.Message,
		"response": result.Response,
	})
}

func buildResearchPrompt(topic string, context *string, depth string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request (%s depth): %s\n", depth, topic)
	if context != nil && *context != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(*context)
	}
	switch depth {
	case "shallow":
		b.WriteString("\n\nGive a brief, high-level answer only.")
	case "deep":
		b.WriteString("\n\nGive an exhaustive answer: explore all relevant code paths and edge cases.")
	default:
		b.WriteString("\n\nGive a thorough but focused answer.")
	}
	return b.String()
}

var reviewFocusTail = map[string]string{
	"code":         "Focus on correctness, readability, and maintainability.",
	"architecture": "Focus on module boundaries, coupling, and long-term extensibility.",
	"security":     "Focus on injection, auth, secrets handling, and input validation.",
	"performance":  "Focus on algorithmic complexity, allocation, and I/O patterns.",
	"general":      "Give a balanced review covering correctness and design.",
}

type requestReviewArgs struct {
	Target         string  `json:"target"`
	Content        string  `json:"content"`
	ReviewType     string  `json:"review_type"`
	Context        *string `json:"context,omitempty"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Sync           *bool   `json:"sync,omitempty"`
}

func (s *Server) requestReview(ctx context.Context, raw json.RawMessage) toolResult {
	if s.assistantID == model.AssistantNone {
		return errorResult(errUnknownClient)
	}
	var args requestReviewArgs
	if err := decode(raw, &args); err != nil {
		return errorResult(err)
	}
	target, ok := model.ParseAssistantId(args.Target)
	if !ok {
		return errorResult(fmt.Errorf("invalid target %q", args.Target))
	}
	tail, ok := reviewFocusTail[args.ReviewType]
	if !ok {
		tail = reviewFocusTail["general"]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review request (%s): \n\n%s\n\n%s", args.ReviewType, args.Content, tail)
	if args.Context != nil && *args.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(*args.Context)
	}

	result, err := s.dispatcher.SendMessage(ctx, dispatch.SendMessageInput{
		Sender:          s.assistantID,
		Target:          target,
		ConversationID:  args.ConversationID,
		Content:         b.String(),
		MessageType:     model.MessageTypeReviewRequest,
		Priority:        model.PriorityNormal,
		WaitForResponse: true,
		TimeoutMs:       120000,
		UseOutputSchema: true,
	})
	if err != nil {
		return errorResult(err)
	}
	if result.Response != nil && (args.Sync == nil || *args.Sync) && s.kg != nil {
		go s.kg.SyncMessage(context.Background(), *result.Response)
	}
	return textResult(map[string]any{
		"message":  result.Message,
		"response": result.Response,
	})
}

// --- helpers -------------------------------------------------------------

func translateNotFound(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errors.New(msg)
	}
	return err
}

func clampLimit(v *int, def, max int) int {
	if v == nil {
		return def
	}
	return clampInt(*v, 1, max)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toolDefinitions() []map[string]any {
	names := []string{
		"who_am_i", "create_conversation", "list_conversations", "get_conversation",
		"close_conversation", "send_message", "get_response", "get_history",
		"mark_message_read", "share_context", "get_shared_context", "list_shared_context",
		"delegate_research", "request_review",
	}
	defs := make([]map[string]any, 0, len(names))
	for _, n := range names {
		defs = append(defs, map[string]any{"name": n})
	}
	return defs
}
