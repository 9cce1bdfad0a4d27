package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TargetMode selects how a request rewrites the tail of an existing thread.
type TargetMode string

const (
	TargetNone  TargetMode = ""
	TargetRetry TargetMode = "retry"
	TargetEdit  TargetMode = "edit"
)

// Thread is a conversation container.
// IsLive implies CurrentStreamID names the most recently appended StreamRecord.
type Thread struct {
	ID              string     `json:"id"`
	AuthorID        string     `json:"authorId"`
	Title           string     `json:"title"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	IsLive          bool       `json:"isLive"`
	StreamStartedAt *time.Time `json:"streamStartedAt,omitempty"`
	CurrentStreamID string     `json:"currentStreamId,omitempty"`
}

// StreamRecord is one generation attempt. Never mutated after creation.
type StreamRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamingState is the liveness update applied to a thread.
type StreamingState struct {
	IsLive          bool
	StreamStartedAt *time.Time
	CurrentStreamID string
}

// Message is a persisted chat message. ID is the durable row key and
// MessageID is the logical id shared with clients.
type Message struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	ThreadID  string          `json:"threadId"`
	Role      Role            `json:"role"`
	Parts     []Part          `json:"parts"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Metadata  MessageMetadata `json:"metadata"`
}

type MessageMetadata struct {
	ModelID          string `json:"modelId,omitempty"`
	ModelName        string `json:"modelName,omitempty"`
	PromptTokens     *int   `json:"promptTokens,omitempty"`
	CompletionTokens *int   `json:"completionTokens,omitempty"`
	ReasoningTokens  *int   `json:"reasoningTokens,omitempty"`
	ServerDurationMs *int64 `json:"serverDurationMs,omitempty"`
}

// Merge returns m with every field set in patch overwritten.
// Fields left unset in patch keep their current value.
func (m MessageMetadata) Merge(patch MessageMetadata) MessageMetadata {
	out := m
	if patch.ModelID != "" {
		out.ModelID = patch.ModelID
	}
	if patch.ModelName != "" {
		out.ModelName = patch.ModelName
	}
	if patch.PromptTokens != nil {
		out.PromptTokens = intPtr(*patch.PromptTokens)
	}
	if patch.CompletionTokens != nil {
		out.CompletionTokens = intPtr(*patch.CompletionTokens)
	}
	if patch.ReasoningTokens != nil {
		out.ReasoningTokens = intPtr(*patch.ReasoningTokens)
	}
	if patch.ServerDurationMs != nil {
		v := *patch.ServerDurationMs
		out.ServerDurationMs = &v
	}
	return out
}

func intPtr(v int) *int { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return intPtr(v) }
