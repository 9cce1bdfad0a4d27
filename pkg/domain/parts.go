package domain

import "encoding/json"

type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartFile           PartType = "file"
	PartToolInvocation PartType = "tool-invocation"
	PartError          PartType = "error"
)

type ToolState string

const (
	ToolStatePartialCall ToolState = "partial-call"
	ToolStateCall        ToolState = "call"
	ToolStateResult      ToolState = "result"
)

// ErrorCodeNoResponse marks a turn whose provider stream produced nothing.
const ErrorCodeNoResponse = "no-response"

// Part is one typed unit of message content. Type selects which of the
// remaining fields are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// reasoning; Duration is in milliseconds
	Reasoning string `json:"reasoning,omitempty"`
	Signature string `json:"signature,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
	Data      string `json:"data,omitempty"`
	Duration  *int64 `json:"duration,omitempty"`

	// file
	AssetURL string `json:"assetUrl,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      ToolState       `json:"state"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ErrorPart(code, message string) Part {
	return Part{Type: PartError, Code: code, Message: message}
}

func FilePart(assetURL, filename, mimeType string) Part {
	return Part{Type: PartFile, AssetURL: assetURL, Filename: filename, MimeType: mimeType}
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Duration != nil {
		d := *p.Duration
		out.Duration = &d
	}
	if p.ToolInvocation != nil {
		inv := *p.ToolInvocation
		inv.Args = cloneRaw(p.ToolInvocation.Args)
		inv.Result = cloneRaw(p.ToolInvocation.Result)
		out.ToolInvocation = &inv
	}
	return out
}

// CloneParts deep-copies a part list. A nil input yields an empty list.
func CloneParts(parts []Part) []Part {
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return out
}

// PlainText joins the text parts of a message.
func PlainText(parts []Part) string {
	var out []byte
	for _, p := range parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, p.Text...)
	}
	return string(out)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
