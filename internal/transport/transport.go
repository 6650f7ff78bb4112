// Package transport implements the streamable HTTP session lifecycle for
// the tool protocol: POST to initialize or dispatch, GET to attach/resume
// an SSE stream, DELETE to close. Sessions are tracked in memory and torn
// down on DELETE or process shutdown; a GET with a Last-Event-Id resumes
// an SSE stream from the eventlog's replay buffer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/bridged/internal/eventlog"
	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/store"
)

const (
	SessionHeader      = "Mcp-Session-Id"
	LastEventIDHeader  = "Last-Event-Id"
	ClientIDHeader     = "X-Client-Id"
)

// ToolServerFactory builds a ToolServer bound to one session's identity.
// Transport only needs to invoke it and hand it raw JSON-RPC bodies; it
// does not know about tool internals.
type ToolServerFactory func(assistantID model.AssistantId) ToolServer

type ToolServer interface {
	// Handle processes one JSON-RPC request body and returns the raw
	// JSON-RPC response body to emit as an SSE event.
	Handle(ctx context.Context, body []byte) []byte
}

type session struct {
	id          string
	assistantID model.AssistantId
	toolServer  ToolServer
	events      *eventlog.Log
	mu          sync.Mutex
}

type Transport struct {
	clients    *registry.ClientRegistry
	store      *store.Store
	newServer  ToolServerFactory
	onOnline   func(ctx context.Context, id model.AssistantId)

	mu       sync.Mutex
	sessions map[string]*session
}

type Options struct {
	Clients           *registry.ClientRegistry
	Store             *store.Store
	NewToolServer     ToolServerFactory
	OnSessionOnline   func(ctx context.Context, id model.AssistantId)
}

func New(opts Options) *Transport {
	return &Transport{
		clients:   opts.Clients,
		store:     opts.Store,
		newServer: opts.NewToolServer,
		onOnline:  opts.OnSessionOnline,
		sessions:  make(map[string]*session),
	}
}

type rpcErrorEnvelope struct {
	JSONRPC string   `json:"jsonrpc"`
	Error   rpcError `json:"error"`
	ID      any      `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeRPCError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rpcErrorEnvelope{ //nolint:errcheck
		JSONRPC: "2.0",
		Error:   rpcError{Code: -32000, Message: message},
		ID:      nil,
	})
}

func (t *Transport) HandlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)

	if sessionID != "" {
		t.mu.Lock()
		sess, ok := t.sessions[sessionID]
		t.mu.Unlock()
		if !ok {
			writeRPCError(w, http.StatusBadRequest, "Bad Request: Unknown session id")
			return
		}
		t.dispatch(w, r, sess)
		return
	}

	body, isInit, err := peekInitialize(r)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: malformed body")
		return
	}
	if !isInit {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: missing session id and not an initialize request")
		return
	}

	assistantID := identifyFromRequest(r)
	sess := &session{
		id:          uuid.NewString(),
		assistantID: assistantID,
		events:      eventlog.New(eventlog.DefaultTTL, eventlog.DefaultCapacity),
	}
	sess.toolServer = t.newServer(assistantID)

	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()

	t.onSessionInitialized(r.Context(), sess)

	w.Header().Set(SessionHeader, sess.id)
	t.dispatchBody(r.Context(), w, sess, body)
}

func (t *Transport) onSessionInitialized(ctx context.Context, sess *session) {
	if sess.assistantID == model.AssistantNone {
		return
	}
	t.clients.SetOnline(sess.assistantID, sess.id)
	now := time.Now()
	sid := sess.id
	_ = t.store.SetClientStatus(ctx, sess.assistantID, model.ClientOnline, &sid, now)
	if t.onOnline != nil {
		t.onOnline(ctx, sess.assistantID)
	}
}

func (t *Transport) dispatch(w http.ResponseWriter, r *http.Request, sess *session) {
	body, err := readBody(r)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: malformed body")
		return
	}
	t.dispatchBody(r.Context(), w, sess, body)
}

func (t *Transport) dispatchBody(ctx context.Context, w http.ResponseWriter, sess *session, body []byte) {
	sess.mu.Lock()
	respBody := sess.toolServer.Handle(ctx, body)
	eventID := sess.events.Store(sess.id, respBody, time.Now())
	sess.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Event-Id", eventID)
	w.WriteHeader(http.StatusOK)
	w.Write(respBody) //nolint:errcheck
}

func (t *Transport) HandleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: missing session id")
		return
	}
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: Unknown session id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get(LastEventIDHeader)
	if lastEventID != "" {
		_, err := sess.events.ReplayAfter(lastEventID, time.Now(), func(ev eventlog.Event) error {
			return writeSSEEvent(w, flusher, ev)
		})
		if err != nil {
			return
		}
	}

	<-r.Context().Done()
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev eventlog.Event) error {
	if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, ev.Payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (t *Transport) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: missing session id")
		return
	}
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		writeRPCError(w, http.StatusBadRequest, "Bad Request: Unknown session id")
		return
	}
	t.closeSession(r.Context(), sess)
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) closeSession(ctx context.Context, sess *session) {
	if sess.assistantID != model.AssistantNone {
		t.clients.SetOffline(sess.assistantID)
		_ = t.store.SetClientStatus(ctx, sess.assistantID, model.ClientOffline, nil, time.Now())
	}
	sess.events.Drop(sess.id)
}

// Shutdown sets every live session's owner offline and clears the registry.
func (t *Transport) Shutdown(ctx context.Context) {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()

	for _, sess := range sessions {
		t.closeSession(ctx, sess)
	}
	t.clients.Clear()
}

func (t *Transport) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

type SessionSummary struct {
	ID       string
	ClientID model.AssistantId
}

func (t *Transport) Sessions() []SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionSummary, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, SessionSummary{ID: sess.id, ClientID: sess.assistantID})
	}
	return out
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func peekInitialize(r *http.Request) (body []byte, isInit bool, err error) {
	body, err = readBody(r)
	if err != nil {
		return nil, false, err
	}
	var envelope struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, err
	}
	return body, envelope.Method == "initialize", nil
}

// identifyFromRequest derives the calling assistant from the request,
// preferring an explicit client-id header, then falling back to a
// user-agent substring match, then an explicit query param.
func identifyFromRequest(r *http.Request) model.AssistantId {
	if id, ok := model.ParseAssistantId(r.Header.Get(ClientIDHeader)); ok {
		return id
	}
	ua := r.Header.Get("User-Agent")
	switch {
	case strings.Contains(ua, "claude-code"), strings.Contains(ua, "Claude"):
		return model.AssistantClaude
	case strings.Contains(ua, "codex"), strings.Contains(ua, "Codex"):
		return model.AssistantCodex
	}
	if id, ok := model.ParseAssistantId(r.URL.Query().Get("client")); ok {
		return id
	}
	return model.AssistantNone
}
