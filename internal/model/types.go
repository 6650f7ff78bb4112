package model

import "time"

// AssistantId is the closed set of assistants this bridge brokers between.
type AssistantId string

const (
	AssistantClaude AssistantId = "claude"
	AssistantCodex  AssistantId = "codex"
	AssistantNone   AssistantId = ""
)

func ParseAssistantId(s string) (AssistantId, bool) {
	switch s {
	case string(AssistantClaude):
		return AssistantClaude, true
	case string(AssistantCodex):
		return AssistantCodex, true
	default:
		return AssistantNone, false
	}
}

func (a AssistantId) Other() AssistantId {
	switch a {
	case AssistantClaude:
		return AssistantCodex
	case AssistantCodex:
		return AssistantClaude
	default:
		return AssistantNone
	}
}

type ClientStatus string

const (
	ClientOnline  ClientStatus = "online"
	ClientOffline ClientStatus = "offline"
	ClientBusy    ClientStatus = "busy"
)

type Client struct {
	ID          AssistantId
	DisplayName string
	Status      ClientStatus
	SessionID   *string
	LastSeenAt  *time.Time
	CreatedAt   time.Time
}

type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationPending   ConversationStatus = "pending"
	ConversationCompleted ConversationStatus = "completed"
	ConversationArchived  ConversationStatus = "archived"
)

type Conversation struct {
	ID          string
	Title       *string
	Project     *string
	Status      ConversationStatus
	CreatedBy   AssistantId
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Summary     *string
	MetadataRaw *string
	ClosedAt    *time.Time
}

type MessageType string

const (
	MessageTypeMessage         MessageType = "message"
	MessageTypeResearchRequest MessageType = "research_request"
	MessageTypeResearchReply   MessageType = "research_response"
	MessageTypeReviewRequest   MessageType = "review_request"
	MessageTypeReviewReply     MessageType = "review_response"
	MessageTypeContextShare    MessageType = "context_share"
	MessageTypeSystem          MessageType = "system"
)

type MessagePriority string

const (
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

func (p MessagePriority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageResponded MessageStatus = "responded"
)

type Message struct {
	ID             string
	ConversationID string
	Sender         AssistantId
	Target         AssistantId
	Content        string
	MessageType    MessageType
	Priority       MessagePriority
	Status         MessageStatus
	ResponseToID   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	MetadataRaw    *string
}

type QueueEntry struct {
	ID          int64
	MessageID   string
	Target      AssistantId
	Priority    int
	Attempts    int
	MaxAttempts int
	NextAttempt time.Time
	CreatedAt   time.Time
}

type InvocationType string

const (
	InvocationSubprocessExec InvocationType = "subprocess_exec"
	InvocationPeerMCP        InvocationType = "peer_mcp"
)

type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimeout   InvocationStatus = "timeout"
)

type Invocation struct {
	ID        string
	Target    AssistantId
	MessageID string
	Type      InvocationType
	Status    InvocationStatus
	Command   *string
	Stdout    *string
	Stderr    *string
	ExitCode  *int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

type SharedContextType string

const (
	ContextFile       SharedContextType = "file"
	ContextSnippet    SharedContextType = "snippet"
	ContextEntity     SharedContextType = "entity"
	ContextMemoryItem SharedContextType = "memory_item"
	ContextURL        SharedContextType = "url"
)

type SharedContext struct {
	ID             string
	ConversationID *string
	ContextType    SharedContextType
	Content        string
	Description    *string
	SharedBy       AssistantId
	CreatedAt      time.Time
}

// Error codes surfaced inside tool-result envelopes and JSON-RPC errors.
const (
	ErrUnknownClient        = "Unknown client"
	ErrConversationNotFound = "conversation not found"
	ErrMessageNotFound      = "message not found"
	ErrContextNotFound      = "shared context not found"
	ErrForbidden            = "forbidden"
	ErrSelfAddressed        = "cannot send a message to yourself"
	ErrArchivedConversation = "conversation is archived"
	ErrDispatchFailed       = "dispatch_failed"
)
