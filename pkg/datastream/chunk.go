// Package datastream frames typed chunks for the chat streaming response.
//
// Every chunk is written as
//
//	<code>:<length>:<json>\n
//
// where code identifies the chunk type and length is the byte length of the
// JSON payload.
package datastream

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeText               Type = "text"
	TypeReasoning          Type = "reasoning"
	TypeRedactedReasoning  Type = "redacted_reasoning"
	TypeReasoningSignature Type = "reasoning_signature"
	TypeFile               Type = "file"
	TypeSource             Type = "source"
	TypeToolCallStart      Type = "tool_call_streaming_start"
	TypeToolCallDelta      Type = "tool_call_delta"
	TypeToolCall           Type = "tool_call"
	TypeToolResult         Type = "tool_result"
	TypeError              Type = "error"
	TypeStartStep          Type = "start_step"
	TypeFinishStep         Type = "finish_step"
	TypeFinishMessage      Type = "finish_message"
	TypeData               Type = "data"
)

var typeCodes = map[Type]string{
	TypeText:               "0",
	TypeData:               "2",
	TypeError:              "3",
	TypeToolCall:           "9",
	TypeToolResult:         "a",
	TypeToolCallStart:      "b",
	TypeToolCallDelta:      "c",
	TypeFinishMessage:      "d",
	TypeFinishStep:         "e",
	TypeStartStep:          "f",
	TypeReasoning:          "g",
	TypeSource:             "h",
	TypeRedactedReasoning:  "i",
	TypeReasoningSignature: "j",
	TypeFile:               "k",
}

var codeTypes = func() map[string]Type {
	out := make(map[string]Type, len(typeCodes))
	for t, c := range typeCodes {
		out[c] = t
	}
	return out
}()

// Chunk is one wire record. Value is any JSON-encodable payload; decoded
// chunks carry a json.RawMessage.
type Chunk struct {
	Type  Type
	Value any
}

// Decode unmarshals the chunk value into v.
func (c Chunk) Decode(v any) error {
	raw, ok := c.Value.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(c.Value)
		if err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}

// Code returns the single-character wire code of t.
func (t Type) Code() (string, error) {
	code, ok := typeCodes[t]
	if !ok {
		return "", fmt.Errorf("unknown chunk type %q", t)
	}
	return code, nil
}

// Payloads.

type ToolCallStart struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type ToolCallDelta struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

type RedactedReasoning struct {
	Data string `json:"data"`
}

type ReasoningSignature struct {
	Signature string `json:"signature"`
}

type File struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Source struct {
	SourceType string `json:"sourceType"`
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type StartStep struct {
	MessageID string `json:"messageId"`
}

type FinishStep struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued"`
}

type FinishMessage struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
}

// DataItem is one entry of a data chunk.
type DataItem struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

const (
	DataThreadID      = "thread_id"
	DataStreamID      = "stream_id"
	DataAppendMessage = "append_message"
)

// Data builds a data chunk announcing a single item.
func Data(kind string, value any) Chunk {
	return Chunk{Type: TypeData, Value: []DataItem{{Type: kind, Value: value}}}
}
