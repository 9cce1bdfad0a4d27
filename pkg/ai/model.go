package ai

import (
	"context"
	"encoding/json"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCallRef
	ToolCallID string
	Name       string
}

type ToolCallRef struct {
	ID   string
	Name string
	Args string
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one model round-trip.
type Request struct {
	System          string
	Messages        []Message
	Tools           []ToolSpec
	MaxOutputTokens int
}

// LanguageModel streams generation events for one round-trip. The returned
// channel is closed after the final StepFinish.
type LanguageModel interface {
	ModelID() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

type ImageRequest struct {
	Prompt string
	Size   string
}

// Image is a generated image. Either Data or URL is set.
type Image struct {
	Data     []byte
	URL      string
	MimeType string
}

type ImageModel interface {
	ModelID() string
	Generate(ctx context.Context, req ImageRequest) (Image, error)
}

// Tool is a function the model may call during generation.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}
