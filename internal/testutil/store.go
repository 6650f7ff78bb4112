package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "bridged-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := st.EnsureSeedClients(ctx, time.Now()); err != nil {
		t.Fatalf("seed clients: %v", err)
	}
	return st, ctx
}

// SeedConversation inserts a conversation owned by createdBy and returns it.
func SeedConversation(t *testing.T, st *store.Store, ctx context.Context, createdBy model.AssistantId) model.Conversation {
	t.Helper()
	now := time.Now()
	conv := model.Conversation{
		ID:        "conv-" + string(createdBy) + "-" + randSuffix(),
		Status:    model.ConversationActive,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

// SeedMessage inserts a pending message in conv from sender to target.
func SeedMessage(t *testing.T, st *store.Store, ctx context.Context, conv model.Conversation, sender, target model.AssistantId, content string) model.Message {
	t.Helper()
	now := time.Now()
	msg := model.Message{
		ID:             "msg-" + randSuffix(),
		ConversationID: conv.ID,
		Sender:         sender,
		Target:         target,
		Content:        content,
		MessageType:    model.MessageTypeMessage,
		Priority:       model.PriorityNormal,
		Status:         model.MessagePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

var seedCounter int

func randSuffix() string {
	seedCounter++
	return time.Now().Format("150405") + "-" + itoa(seedCounter)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
