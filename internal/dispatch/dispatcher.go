// Package dispatch implements the routing decision for send_message and
// the background queue drain: deliver directly to an online peer, fall
// back to a one-shot subprocess invocation, or enqueue for later delivery
// with exponential backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/bridged/internal/model"
	"github.com/g960059/bridged/internal/peer"
	"github.com/g960059/bridged/internal/persona"
	"github.com/g960059/bridged/internal/registry"
	"github.com/g960059/bridged/internal/security"
	"github.com/g960059/bridged/internal/store"
)

var ErrConversationNotFound = errors.New(model.ErrConversationNotFound)
var ErrSelfAddressed = errors.New(model.ErrSelfAddressed)
var ErrArchivedConversation = errors.New(model.ErrArchivedConversation)

type KnowledgeGraphSyncer interface {
	SyncMessage(ctx context.Context, msg model.Message)
}

type Dispatcher struct {
	store      *store.Store
	clients    *registry.ClientRegistry
	peerClient *peer.Client
	peerExec   *peer.Exec
	kg         KnowledgeGraphSyncer

	newID       func() string
	now         func() time.Time
	maxAttempts int
}

type Options struct {
	Store       *store.Store
	Clients     *registry.ClientRegistry
	PeerClient  *peer.Client
	PeerExec    *peer.Exec
	KG          KnowledgeGraphSyncer
	MaxAttempts int
}

func New(opts Options) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		store:       opts.Store,
		clients:     opts.Clients,
		peerClient:  opts.PeerClient,
		peerExec:    opts.PeerExec,
		kg:          opts.KG,
		newID:       func() string { return uuid.NewString() },
		now:         time.Now,
		maxAttempts: maxAttempts,
	}
}

type SendMessageInput struct {
	Sender          model.AssistantId
	Target          model.AssistantId
	ConversationID  *string
	Content         string
	MessageType     model.MessageType
	Priority        model.MessagePriority
	WaitForResponse bool
	TimeoutMs       int
	Agent           string
	UseOutputSchema bool
}

type SendMessageResult struct {
	Message         model.Message
	Response        *model.Message
	InvokedViaMCP   bool
	InvocationError string
}

func (d *Dispatcher) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	if in.Sender == in.Target {
		return SendMessageResult{}, ErrSelfAddressed
	}
	if in.MessageType == "" {
		in.MessageType = model.MessageTypeMessage
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}

	now := d.now()
	conv, err := d.resolveConversation(ctx, in.Sender, in.ConversationID, now)
	if err != nil {
		return SendMessageResult{}, err
	}
	if conv.Status == model.ConversationArchived {
		return SendMessageResult{}, ErrArchivedConversation
	}

	msg := model.Message{
		ID:             d.newID(),
		ConversationID: conv.ID,
		Sender:         in.Sender,
		Target:         in.Target,
		Content:        in.Content,
		MessageType:    in.MessageType,
		Priority:       in.Priority,
		Status:         model.MessagePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return SendMessageResult{}, fmt.Errorf("create message: %w", err)
	}

	result := SendMessageResult{Message: msg}

	switch {
	case d.clients.IsOnline(in.Target):
		if err := d.store.UpdateMessageStatus(ctx, msg.ID, model.MessageDelivered, d.now()); err != nil {
			return result, fmt.Errorf("mark delivered: %w", err)
		}
	case in.Target == model.AssistantCodex:
		d.invokeCodexTiered(ctx, &result, in)
	default:
		if err := d.enqueue(ctx, msg, in.Priority); err != nil {
			return result, fmt.Errorf("enqueue message: %w", err)
		}
	}

	if in.WaitForResponse && result.Response == nil {
		timeout := time.Duration(in.TimeoutMs) * time.Millisecond
		if resp, ok := d.waitForResponse(ctx, msg.ID, timeout); ok {
			result.Response = &resp
		}
	}

	if d.kg != nil && result.Response != nil {
		d.kg.SyncMessage(ctx, *result.Response)
	}

	return result, nil
}

func (d *Dispatcher) resolveConversation(ctx context.Context, sender model.AssistantId, conversationID *string, now time.Time) (model.Conversation, error) {
	if conversationID != nil && *conversationID != "" {
		conv, err := d.store.GetConversation(ctx, *conversationID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return model.Conversation{}, ErrConversationNotFound
			}
			return model.Conversation{}, err
		}
		return conv, nil
	}
	conv := model.Conversation{
		ID:        d.newID(),
		Status:    model.ConversationActive,
		CreatedBy: sender,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, msg model.Message, priority model.MessagePriority) error {
	return d.store.EnqueueMessage(ctx, msg.Target, msg.ID, priority.Weight(), d.maxAttempts, d.now())
}

// invokeCodexTiered runs the tiered subprocess invocation ladder: try the
// persistent peer channel first, then the one-shot exec fallback. On
// success it creates a response message and marks the original responded.
func (d *Dispatcher) invokeCodexTiered(ctx context.Context, result *SendMessageResult, in SendMessageInput) {
	msg := result.Message
	p := selectPersona(in.Agent, in.Content)
	prompt, err := d.buildPrompt(ctx, msg.ConversationID, in.Sender, in.Content)
	if err != nil {
		result.InvocationError = err.Error()
		return
	}

	if d.peerClient != nil {
		text, err := d.peerClient.SendMessage(ctx, prompt, msg.ID, p)
		if err == nil && text != nil {
			d.recordResponse(ctx, result, msg, *text)
			result.InvokedViaMCP = true
			return
		}
	}

	if d.peerExec == nil {
		result.InvocationError = "no subprocess peer available"
		return
	}

	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	invocationID := d.newID()
	now := d.now()
	_ = d.store.CreateInvocation(ctx, model.Invocation{
		ID:        invocationID,
		Target:    model.AssistantCodex,
		MessageID: msg.ID,
		Type:      model.InvocationSubprocessExec,
		Status:    model.InvocationRunning,
		CreatedAt: now,
		StartedAt: &now,
	})

	useSchema := in.UseOutputSchema
	execResult, err := d.peerExec.Run(ctx, prompt, in.MessageType, useSchema, timeout)
	ended := d.now()
	if err != nil {
		_ = d.store.UpdateInvocation(ctx, model.Invocation{ID: invocationID, Status: model.InvocationFailed, Stderr: strptr(err.Error()), EndedAt: &ended})
		result.InvocationError = err.Error()
		return
	}
	if execResult.TimedOut {
		_ = d.store.UpdateInvocation(ctx, model.Invocation{ID: invocationID, Status: model.InvocationTimeout, EndedAt: &ended})
		result.InvocationError = "invocation timed out"
		return
	}

	exitCode := execResult.ExitCode
	status := model.InvocationCompleted
	if exitCode != 0 {
		status = model.InvocationFailed
	}
	_ = d.store.UpdateInvocation(ctx, model.Invocation{
		ID:       invocationID,
		Status:   status,
		Stdout:   strptr(security.RedactPayload(execResult.Stdout)),
		Stderr:   strptr(security.RedactPayload(execResult.Stderr)),
		ExitCode: &exitCode,
		EndedAt:  &ended,
	})

	if execResult.ResponseText != "" {
		d.recordResponse(ctx, result, msg, execResult.ResponseText)
		return
	}
	if execResult.Stderr != "" {
		result.InvocationError = execResult.Stderr
	} else {
		result.InvocationError = "invocation failed with no output"
	}
}

func (d *Dispatcher) recordResponse(ctx context.Context, result *SendMessageResult, original model.Message, text string) {
	now := d.now()
	respType := responseTypeFor(original.MessageType)
	resp := model.Message{
		ID:             d.newID(),
		ConversationID: original.ConversationID,
		Sender:         original.Target,
		Target:         original.Sender,
		Content:        text,
		MessageType:    respType,
		Priority:       model.PriorityNormal,
		Status:         model.MessageDelivered,
		ResponseToID:   &original.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateMessage(ctx, resp); err != nil {
		result.InvocationError = fmt.Sprintf("create response message: %v", err)
		return
	}
	if err := d.store.UpdateMessageStatus(ctx, original.ID, model.MessageResponded, d.now()); err != nil {
		result.InvocationError = fmt.Sprintf("mark original responded: %v", err)
		return
	}
	result.Response = &resp
}

func responseTypeFor(requestType model.MessageType) model.MessageType {
	switch requestType {
	case model.MessageTypeResearchRequest:
		return model.MessageTypeResearchReply
	case model.MessageTypeReviewRequest:
		return model.MessageTypeReviewReply
	default:
		return model.MessageTypeMessage
	}
}

func selectPersona(agent, content string) persona.Persona {
	if agent != "" {
		if p, ok := persona.Resolve(agent); ok {
			return p
		}
	}
	return persona.SelectForContent(content)
}

const conversationContextLimit = 20

func (d *Dispatcher) buildPrompt(ctx context.Context, conversationID string, sender model.AssistantId, content string) (string, error) {
	messages, err := d.store.ListMessages(ctx, conversationID, 500, 0)
	if err != nil {
		return "", fmt.Errorf("load conversation context: %w", err)
	}
	if len(messages) > conversationContextLimit {
		messages = messages[len(messages)-conversationContextLimit:]
	}
	if len(messages) == 0 {
		return content, nil
	}
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", m.Sender, m.Content)
	}
	b.WriteString("\n\nNew message:\n")
	b.WriteString(content)
	return b.String(), nil
}

// waitForResponse polls for a reply with adaptive backoff: 100ms initial,
// x1.5 growth capped at 1000ms, until timeout elapses.
func (d *Dispatcher) waitForResponse(ctx context.Context, messageID string, timeout time.Duration) (model.Message, bool) {
	deadline := d.now().Add(timeout)
	delay := 100 * time.Millisecond
	const maxDelay = 1000 * time.Millisecond

	for {
		resp, err := d.store.GetResponseToMessage(ctx, messageID)
		if err == nil {
			return resp, true
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Message{}, false
		}
		if d.now().Add(delay).After(deadline) {
			remaining := deadline.Sub(d.now())
			if remaining <= 0 {
				return model.Message{}, false
			}
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return model.Message{}, false
		case <-time.After(delay):
		}
		if d.now().After(deadline) {
			return model.Message{}, false
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// WaitForResponse exposes the polling loop directly for the get_response tool.
func (d *Dispatcher) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (model.Message, bool) {
	return d.waitForResponse(ctx, messageID, timeout)
}

func strptr(s string) *string { return &s }
