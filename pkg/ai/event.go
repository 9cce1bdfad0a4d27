package ai

import "encoding/json"

// Event is one generation event produced by a model stream. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

type TextDelta struct {
	Text string
}

type ReasoningDelta struct {
	Text string
}

type RedactedReasoning struct {
	Data string
}

type ReasoningSignature struct {
	Signature string
}

type File struct {
	URL      string
	MimeType string
	Filename string
}

type Source struct {
	ID    string
	URL   string
	Title string
}

type ToolCallStart struct {
	ToolCallID string
	ToolName   string
}

type ToolCallDelta struct {
	ToolCallID string
	ToolName   string
	ArgsDelta  string
}

type ToolCall struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

type ToolResult struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Result     json.RawMessage
}

// Error carries a provider or tool failure. Err may be an error, a string or
// an arbitrary JSON-like value.
type Error struct {
	Err any
}

type StepStart struct {
	MessageID string
}

type StepFinish struct {
	FinishReason string
	Usage        Usage
	IsContinued  bool
}

type Finish struct {
	FinishReason string
	Usage        Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

// Add returns the sum of two usage counters.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		ReasoningTokens:  u.ReasoningTokens + o.ReasoningTokens,
	}
}

func (TextDelta) isEvent()          {}
func (ReasoningDelta) isEvent()     {}
func (RedactedReasoning) isEvent()  {}
func (ReasoningSignature) isEvent() {}
func (File) isEvent()               {}
func (Source) isEvent()             {}
func (ToolCallStart) isEvent()      {}
func (ToolCallDelta) isEvent()      {}
func (ToolCall) isEvent()           {}
func (ToolResult) isEvent()         {}
func (Error) isEvent()              {}
func (StepStart) isEvent()          {}
func (StepFinish) isEvent()         {}
func (Finish) isEvent()             {}

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
	FinishUnknown   = "unknown"
)
