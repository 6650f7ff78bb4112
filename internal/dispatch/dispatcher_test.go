package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/store"
	"github.com/g960059/bridged/internal/testutil"
)

func newDispatcherForTest(t *testing.T) (*Dispatcher, *store.Store, context.Context, *registry.ClientRegistry) {
	t.Helper()
	st, ctx := testutil.NewStore(t)
	clients := registry.NewClientRegistry()
	d := New(Options{Store: st, Clients: clients})
	return d, st, ctx, clients
}

func TestSendMessageToOnlineTargetMarksDelivered(t *testing.T) {
	d, st, ctx, clients := newDispatcherForTest(t)
	clients.SetOnline(model.AssistantCodex, "sess-1")

	result, err := d.SendMessage(ctx, SendMessageInput{
		Sender:  model.AssistantClaude,
		Target:  model.AssistantCodex,
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	msg, err := st.GetMessage(ctx, result.Message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != model.MessageDelivered {
		t.Fatalf("expected delivered, got %s", msg.Status)
	}
}

func TestSendMessageToOfflineClaudeEnqueues(t *testing.T) {
	d, st, ctx, _ := newDispatcherForTest(t)

	result, err := d.SendMessage(ctx, SendMessageInput{
		Sender:          model.AssistantCodex,
		Target:          model.AssistantClaude,
		Content:         "hello",
		WaitForResponse: false,
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	entries, err := st.DequeueMessages(ctx, model.AssistantClaude, 10, time.Now())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageID != result.Message.ID {
		t.Fatalf("expected message enqueued, got %v", entries)
	}
}

func TestSendMessageRejectsSelfAddressed(t *testing.T) {
	d, _, ctx, _ := newDispatcherForTest(t)
	_, err := d.SendMessage(ctx, SendMessageInput{
		Sender:  model.AssistantClaude,
		Target:  model.AssistantClaude,
		Content: "hello",
	})
	if err != ErrSelfAddressed {
		t.Fatalf("expected ErrSelfAddressed, got %v", err)
	}
}

func TestSendMessageUnknownConversationFails(t *testing.T) {
	d, _, ctx, _ := newDispatcherForTest(t)
	missing := "does-not-exist"
	_, err := d.SendMessage(ctx, SendMessageInput{
		Sender:         model.AssistantClaude,
		Target:         model.AssistantCodex,
		ConversationID: &missing,
		Content:        "hello",
	})
	if err != ErrConversationNotFound {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestSendMessageToOfflineCodexWithNoPeerRecordsInvocationError(t *testing.T) {
	d, _, ctx, _ := newDispatcherForTest(t)
	result, err := d.SendMessage(ctx, SendMessageInput{
		Sender:          model.AssistantClaude,
		Target:          model.AssistantCodex,
		Content:         "why is this failing?",
		WaitForResponse: false,
	})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if result.InvocationError == "" {
		t.Fatal("expected invocation error when no subprocess peer is configured")
	}
	if result.Response != nil {
		t.Fatalf("expected no response, got %+v", result.Response)
	}
}

func TestWaitForResponseReturnsWhenResponseAppears(t *testing.T) {
	d, st, ctx, _ := newDispatcherForTest(t)
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	original := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "ping")

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		resp := model.Message{
			ID: "resp-1", ConversationID: conv.ID, Sender: model.AssistantCodex, Target: model.AssistantClaude,
			Content: "pong", MessageType: model.MessageTypeMessage, Priority: model.PriorityNormal,
			Status: model.MessageDelivered, ResponseToID: &original.ID, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		_ = st.CreateMessage(ctx, resp)
		close(done)
	}()

	resp, ok := d.WaitForResponse(ctx, original.ID, 2*time.Second)
	<-done
	if !ok {
		t.Fatal("expected response to be found")
	}
	if resp.Content != "pong" {
		t.Fatalf("expected pong, got %s", resp.Content)
	}
}

func TestWaitForResponseTimesOutWithoutResponse(t *testing.T) {
	d, st, ctx, _ := newDispatcherForTest(t)
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	original := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "ping")

	_, ok := d.WaitForResponse(ctx, original.ID, 150*time.Millisecond)
	if ok {
		t.Fatal("expected no response before timeout")
	}
}
