// Package accumulator turns generation events into wire chunks while
// building the persisted parts of the assistant message.
package accumulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"threadstream/pkg/ai"
	"threadstream/pkg/datastream"
	"threadstream/pkg/domain"
)

const errorCodeStream = "stream-error"

const noPart = -1

// Accumulator is safe for concurrent use; Apply calls must still arrive in
// stream order.
type Accumulator struct {
	now func() time.Time

	mu    sync.Mutex
	parts []domain.Part
	usage ai.Usage
	// openText and openReasoning index the parts currently receiving deltas.
	openText       int
	openReasoning  int
	reasoningStart time.Time
	// toolArgs buffers streamed argument text per tool call id until the
	// final call arrives.
	toolArgs map[string]*strings.Builder
	failed   bool
}

type Option func(*Accumulator)

// WithClock overrides the clock used for reasoning durations.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		if now != nil {
			a.now = now
		}
	}
}

func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		now:           time.Now,
		openText:      noPart,
		openReasoning: noPart,
		toolArgs:      make(map[string]*strings.Builder),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Transform applies every event from in and forwards the resulting chunk.
// The output channel closes when in is drained or ctx ends.
func (a *Accumulator) Transform(ctx context.Context, in <-chan ai.Event) <-chan datastream.Chunk {
	out := make(chan datastream.Chunk, 32)
	go func() {
		defer close(out)
		for ev := range in {
			chunk := a.Apply(ev)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Apply folds one event into the accumulated parts and returns its wire chunk.
// It panics on event types it does not know.
func (a *Accumulator) Apply(ev ai.Event) datastream.Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e := ev.(type) {
	case ai.TextDelta:
		a.closeReasoning()
		if a.openText == noPart {
			a.parts = append(a.parts, domain.TextPart(""))
			a.openText = len(a.parts) - 1
		}
		a.parts[a.openText].Text += e.Text
		return datastream.Chunk{Type: datastream.TypeText, Value: e.Text}

	case ai.ReasoningDelta:
		a.closeText()
		now := a.now()
		if a.openReasoning == noPart {
			a.parts = append(a.parts, domain.Part{Type: domain.PartReasoning})
			a.openReasoning = len(a.parts) - 1
			a.reasoningStart = now
		}
		p := &a.parts[a.openReasoning]
		p.Reasoning += e.Text
		d := now.Sub(a.reasoningStart).Milliseconds()
		p.Duration = &d
		return datastream.Chunk{Type: datastream.TypeReasoning, Value: e.Text}

	case ai.RedactedReasoning:
		a.closeText()
		a.closeReasoning()
		a.parts = append(a.parts, domain.Part{Type: domain.PartReasoning, Redacted: true, Data: e.Data})
		return datastream.Chunk{Type: datastream.TypeRedactedReasoning, Value: datastream.RedactedReasoning{Data: e.Data}}

	case ai.ReasoningSignature:
		a.closeText()
		idx := a.lastReasoning()
		if idx == noPart {
			a.parts = append(a.parts, domain.Part{Type: domain.PartReasoning})
			idx = len(a.parts) - 1
		}
		a.parts[idx].Signature = e.Signature
		a.closeReasoning()
		return datastream.Chunk{Type: datastream.TypeReasoningSignature, Value: datastream.ReasoningSignature{Signature: e.Signature}}

	case ai.File:
		a.closeAll()
		a.parts = append(a.parts, domain.FilePart(e.URL, e.Filename, e.MimeType))
		return datastream.Chunk{Type: datastream.TypeFile, Value: datastream.File{URL: e.URL, MimeType: e.MimeType, Filename: e.Filename}}

	case ai.Source:
		a.closeAll()
		return datastream.Chunk{Type: datastream.TypeSource, Value: datastream.Source{SourceType: "url", ID: e.ID, URL: e.URL, Title: e.Title}}

	case ai.ToolCallStart:
		a.closeAll()
		if a.findTool(e.ToolCallID) == noPart {
			a.parts = append(a.parts, toolPart(e.ToolCallID, e.ToolName, domain.ToolStatePartialCall, nil))
		}
		return datastream.Chunk{Type: datastream.TypeToolCallStart, Value: datastream.ToolCallStart{ToolCallID: e.ToolCallID, ToolName: e.ToolName}}

	case ai.ToolCallDelta:
		a.closeAll()
		idx := a.findTool(e.ToolCallID)
		if idx == noPart {
			a.parts = append(a.parts, toolPart(e.ToolCallID, "", domain.ToolStatePartialCall, nil))
			idx = len(a.parts) - 1
		}
		if inv := a.parts[idx].ToolInvocation; inv.State == domain.ToolStatePartialCall {
			buf, ok := a.toolArgs[e.ToolCallID]
			if !ok {
				buf = &strings.Builder{}
				a.toolArgs[e.ToolCallID] = buf
			}
			buf.WriteString(e.ArgsDelta)
			inv.Args = partialArgs(buf.String())
		}
		return datastream.Chunk{Type: datastream.TypeToolCallDelta, Value: datastream.ToolCallDelta{ToolCallID: e.ToolCallID, ArgsTextDelta: e.ArgsDelta}}

	case ai.ToolCall:
		a.closeAll()
		if idx := a.findTool(e.ToolCallID); idx != noPart {
			inv := a.parts[idx].ToolInvocation
			delete(a.toolArgs, e.ToolCallID)
			if inv.State != domain.ToolStateResult {
				inv.State = domain.ToolStateCall
				inv.Args = e.Args
				if e.ToolName != "" {
					inv.ToolName = e.ToolName
				}
			}
		} else {
			a.parts = append(a.parts, toolPart(e.ToolCallID, e.ToolName, domain.ToolStateCall, e.Args))
		}
		return datastream.Chunk{Type: datastream.TypeToolCall, Value: datastream.ToolCall{ToolCallID: e.ToolCallID, ToolName: e.ToolName, Args: e.Args}}

	case ai.ToolResult:
		a.closeAll()
		idx := a.findTool(e.ToolCallID)
		if idx == noPart {
			a.parts = append(a.parts, toolPart(e.ToolCallID, e.ToolName, domain.ToolStateResult, e.Args))
			idx = len(a.parts) - 1
		}
		delete(a.toolArgs, e.ToolCallID)
		inv := a.parts[idx].ToolInvocation
		if e.Args != nil && (inv.Args == nil || inv.State == domain.ToolStatePartialCall) {
			inv.Args = e.Args
		}
		inv.State = domain.ToolStateResult
		inv.Result = e.Result
		return datastream.Chunk{Type: datastream.TypeToolResult, Value: datastream.ToolResult{ToolCallID: e.ToolCallID, Result: e.Result}}

	case ai.Error:
		a.closeAll()
		msg := ErrorMessage(e.Err)
		a.parts = append(a.parts, domain.ErrorPart(errorCodeStream, msg))
		a.failed = true
		return datastream.Chunk{Type: datastream.TypeError, Value: msg}

	case ai.StepStart:
		a.closeAll()
		return datastream.Chunk{Type: datastream.TypeStartStep, Value: datastream.StartStep{MessageID: e.MessageID}}

	case ai.StepFinish:
		a.closeAll()
		a.usage = a.usage.Add(e.Usage)
		return datastream.Chunk{Type: datastream.TypeFinishStep, Value: datastream.FinishStep{
			FinishReason: e.FinishReason,
			Usage:        wireUsage(e.Usage),
			IsContinued:  e.IsContinued,
		}}

	case ai.Finish:
		a.closeAll()
		return datastream.Chunk{Type: datastream.TypeFinishMessage, Value: datastream.FinishMessage{
			FinishReason: e.FinishReason,
			Usage:        wireUsage(a.usage),
		}}
	}
	panic(fmt.Sprintf("accumulator: unhandled event %T", ev))
}

// Parts returns a copy of the accumulated parts.
func (a *Accumulator) Parts() []domain.Part {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.CloneParts(a.parts)
}

// Usage returns the cumulative usage over all finished steps.
func (a *Accumulator) Usage() ai.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Failed reports whether an error event was seen.
func (a *Accumulator) Failed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

func (a *Accumulator) closeText() { a.openText = noPart }

func (a *Accumulator) closeReasoning() {
	a.openReasoning = noPart
	a.reasoningStart = time.Time{}
}

func (a *Accumulator) closeAll() {
	a.closeText()
	a.closeReasoning()
}

// lastReasoning returns the reasoning part a signature belongs to: the open
// one, or the part just before it when that part is reasoning.
func (a *Accumulator) lastReasoning() int {
	if a.openReasoning != noPart {
		return a.openReasoning
	}
	if n := len(a.parts); n > 0 && a.parts[n-1].Type == domain.PartReasoning && a.parts[n-1].Signature == "" {
		return n - 1
	}
	return noPart
}

// findTool scans forward; call ids are unique within a turn.
func (a *Accumulator) findTool(id string) int {
	for i := range a.parts {
		inv := a.parts[i].ToolInvocation
		if a.parts[i].Type == domain.PartToolInvocation && inv != nil && inv.ToolCallID == id {
			return i
		}
	}
	return noPart
}

func toolPart(id, name string, state domain.ToolState, args json.RawMessage) domain.Part {
	return domain.Part{
		Type: domain.PartToolInvocation,
		ToolInvocation: &domain.ToolInvocation{
			ToolCallID: id,
			ToolName:   name,
			State:      state,
			Args:       args,
		},
	}
}

// partialArgs keeps streamed argument text storable: complete JSON is kept
// as is, anything else is stored as a JSON string.
func partialArgs(text string) json.RawMessage {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	quoted, _ := json.Marshal(text)
	return quoted
}

func wireUsage(u ai.Usage) datastream.Usage {
	return datastream.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
}
