package dispatch

import (
	"testing"
	"time"

	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/testutil"
)

func TestDrainTargetDeliversWhenOnline(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	clients := registry.NewClientRegistry()
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	msg := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "hi")
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 5, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clients.SetOnline(model.AssistantCodex, "sess-1")
	q := NewQueueProcessor(st, clients, time.Minute)
	q.drainTarget(ctx, model.AssistantCodex)

	updated, err := st.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if updated.Status != model.MessageDelivered {
		t.Fatalf("expected delivered, got %s", updated.Status)
	}
	entries, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, time.Now())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected queue entry removed, got %d", len(entries))
	}
}

func TestDrainTargetRemovesEntryForMissingMessage(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	clients := registry.NewClientRegistry()
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	msg := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "hi")
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 5, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clients.SetOnline(model.AssistantCodex, "sess-1")
	q := NewQueueProcessor(st, clients, time.Minute)

	// simulate the referenced message vanishing (e.g. conversation deleted)
	// by deleting straight from storage would cascade the queue row too, so
	// instead we drain against a queue entry whose message id never existed.
	entries, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, time.Now())
	if err != nil || len(entries) != 1 {
		t.Fatalf("dequeue setup: %v %d", err, len(entries))
	}
	entries[0].MessageID = "does-not-exist"
	q.drainOne(ctx, entries[0])
}

func TestScheduleRetryComputesExponentialBackoff(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	clients := registry.NewClientRegistry()
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	msg := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "hi")
	now := time.Now()
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 5, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dequeue: %v %d", err, len(entries))
	}

	q := NewQueueProcessor(st, clients, time.Minute)
	entries[0].Attempts = 2
	q.scheduleRetry(ctx, entries[0])

	immediate, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err != nil {
		t.Fatalf("dequeue after retry: %v", err)
	}
	if len(immediate) != 0 {
		t.Fatal("expected retry delay to hide the entry")
	}
	later, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now.Add(121*time.Second))
	if err != nil {
		t.Fatalf("dequeue later: %v", err)
	}
	if len(later) != 1 {
		t.Fatalf("expected entry visible after 120s backoff (30*2^2), got %d", len(later))
	}
}

func TestSweepClearsExhaustedEntries(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	clients := registry.NewClientRegistry()
	conv := testutil.SeedConversation(t, st, ctx, model.AssistantClaude)
	msg := testutil.SeedMessage(t, st, ctx, conv, model.AssistantClaude, model.AssistantCodex, "hi")
	now := time.Now()
	if err := st.EnqueueMessage(ctx, model.AssistantCodex, msg.ID, 0, 1, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err := st.IncrementAttempts(ctx, entries[0].ID, 0, now); err != nil {
		t.Fatalf("increment attempts: %v", err)
	}

	q := NewQueueProcessor(st, clients, time.Minute)
	q.sweep(ctx)

	remaining, err := st.DequeueMessages(ctx, model.AssistantCodex, 10, now)
	if err != nil {
		t.Fatalf("dequeue after sweep: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected exhausted entry swept, got %d", len(remaining))
	}
}
