package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/bridged/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return st, ctx
}

func TestEnsureSeedClientsIsIdempotent(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	if err := st.EnsureSeedClients(ctx, now); err != nil {
		t.Fatalf("seed clients: %v", err)
	}
	if err := st.EnsureSeedClients(ctx, now); err != nil {
		t.Fatalf("reseed clients: %v", err)
	}
	clients, err := st.ListClients(ctx)
	if err != nil {
		t.Fatalf("list clients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
}

func TestSetClientStatusUpdatesSessionID(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	if err := st.EnsureSeedClients(ctx, now); err != nil {
		t.Fatalf("seed clients: %v", err)
	}
	sessionID := "sess-1"
	if err := st.SetClientStatus(ctx, model.AssistantClaude, model.ClientOnline, &sessionID, now); err != nil {
		t.Fatalf("set status: %v", err)
	}
	client, err := st.GetClient(ctx, model.AssistantClaude)
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if client.Status != model.ClientOnline {
		t.Fatalf("expected online, got %s", client.Status)
	}
	if client.SessionID == nil || *client.SessionID != sessionID {
		t.Fatalf("expected session id %q, got %v", sessionID, client.SessionID)
	}
}

func TestCreateMessageRequiresConversation(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	msg := model.Message{
		ID:             "msg-1",
		ConversationID: "missing-conv",
		Sender:         model.AssistantClaude,
		Target:         model.AssistantCodex,
		Content:        "hello",
		MessageType:    model.MessageTypeMessage,
		Priority:       model.PriorityNormal,
		Status:         model.MessagePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateMessage(ctx, msg); err == nil {
		t.Fatal("expected foreign key violation, got nil error")
	}
}

func TestMessageStatusTransitionIsMonotonic(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	conv := model.Conversation{ID: "conv-1", Status: model.ConversationActive, CreatedBy: model.AssistantClaude, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := model.Message{
		ID: "msg-1", ConversationID: conv.ID, Sender: model.AssistantClaude, Target: model.AssistantCodex,
		Content: "hi", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
		Status: model.MessagePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	if err := st.UpdateMessageStatus(ctx, msg.ID, model.MessageDelivered, time.Now()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := st.UpdateMessageStatus(ctx, msg.ID, model.MessagePending, time.Now()); err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if err := st.UpdateMessageStatus(ctx, msg.ID, model.MessageResponded, time.Now()); err != nil {
		t.Fatalf("respond: %v", err)
	}
}

func TestDequeueMessagesOrdersByPriorityThenNextAttempt(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	conv := model.Conversation{ID: "conv-1", Status: model.ConversationActive, CreatedBy: model.AssistantClaude, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, p := range []struct {
		id       string
		priority int
	}{{"m1", 0}, {"m2", 2}, {"m3", 1}} {
		msg := model.Message{
			ID: p.id, ConversationID: conv.ID, Sender: model.AssistantClaude, Target: model.AssistantCodex,
			Content: "hi", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
			Status: model.MessagePending, CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}
		if err := st.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message %s: %v", p.id, err)
		}
		if err := st.EnqueueMessage(ctx, model.AssistantCodex, p.id, p.priority, 5, now); err != nil {
			t.Fatalf("enqueue %s: %v", p.id, err)
		}
	}

	entries, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].MessageID != "m2" {
		t.Fatalf("expected highest priority first, got %s", entries[0].MessageID)
	}
}

func TestIncrementAttemptsDelaysNextAttempt(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	conv := model.Conversation{ID: "conv-1", Status: model.ConversationActive, CreatedBy: model.AssistantClaude, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := model.Message{
		ID: "m1", ConversationID: conv.ID, Sender: model.AssistantClaude, Target: model.AssistantCodex,
		Content: "hi", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
		Status: model.MessagePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 5, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dequeue: %v %d", err, len(entries))
	}
	if err := st.IncrementAttempts(ctx, entries[0].ID, 30, now); err != nil {
		t.Fatalf("increment attempts: %v", err)
	}
	immediate, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err != nil {
		t.Fatalf("dequeue after increment: %v", err)
	}
	if len(immediate) != 0 {
		t.Fatalf("expected delayed entry to be hidden, got %d", len(immediate))
	}
}

func TestClearExhaustedRemovesOnlyMaxedOutEntries(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	conv := model.Conversation{ID: "conv-1", Status: model.ConversationActive, CreatedBy: model.AssistantClaude, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := model.Message{
		ID: "m1", ConversationID: conv.ID, Sender: model.AssistantClaude, Target: model.AssistantCodex,
		Content: "hi", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
		Status: model.MessagePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 1, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err := st.IncrementAttempts(ctx, entries[0].ID, 0, now); err != nil {
		t.Fatalf("increment: %v", err)
	}
	removed, err := st.ClearExhausted(ctx)
	if err != nil {
		t.Fatalf("clear exhausted: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}

func TestGetResponseToMessageReturnsEarliestMatch(t *testing.T) {
	st, ctx := newTestStore(t)
	now := time.Now()
	conv := model.Conversation{ID: "conv-1", Status: model.ConversationActive, CreatedBy: model.AssistantClaude, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	original := model.Message{
		ID: "m1", ConversationID: conv.ID, Sender: model.AssistantClaude, Target: model.AssistantCodex,
		Content: "hi", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
		Status: model.MessagePending, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateMessage(ctx, original); err != nil {
		t.Fatalf("create original: %v", err)
	}
	respID := "m1"
	first := model.Message{
		ID: "r1", ConversationID: conv.ID, Sender: model.AssistantCodex, Target: model.AssistantClaude,
		Content: "first", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
		Status: model.MessageDelivered, ResponseToID: &respID, CreatedAt: now.Add(time.Second), UpdatedAt: now,
	}
	second := first
	second.ID = "r2"
	second.Content = "second"
	second.CreatedAt = now.Add(2 * time.Second)
	if err := st.CreateMessage(ctx, first); err != nil {
		t.Fatalf("create first response: %v", err)
	}
	if err := st.CreateMessage(ctx, second); err != nil {
		t.Fatalf("create second response: %v", err)
	}

	resp, err := st.GetResponseToMessage(ctx, original.ID)
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.ID != "r1" {
		t.Fatalf("expected earliest response r1, got %s", resp.ID)
	}
}
