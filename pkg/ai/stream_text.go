package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const defaultMaxSteps = 5

// StreamOptions configures StreamText.
type StreamOptions struct {
	Tools    []Tool
	MaxSteps int
}

// StreamText runs a multi-step generation. Each step is wrapped in StepStart
// and StepFinish; tool calls requested by the model are executed between the
// model's events and the step's StepFinish, and their results are fed back as
// the next step's input. The channel ends with a Finish event carrying
// cumulative usage and is closed afterwards.
func StreamText(ctx context.Context, model LanguageModel, req Request, opts StreamOptions) <-chan Event {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]ToolSpec(nil), req.Tools...)
	tools := make(map[string]Tool, len(opts.Tools))
	for _, tool := range opts.Tools {
		spec := tool.Spec()
		tools[spec.Name] = tool
		req.Tools = append(req.Tools, spec)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var total Usage
		finishReason := FinishUnknown
		for step := 1; step <= maxSteps; step++ {
			if !emit(StepStart{MessageID: "msg-" + uuid.NewString()}) {
				return
			}
			events, err := model.Stream(ctx, req)
			if err != nil {
				emit(Error{Err: err})
				emit(StepFinish{FinishReason: FinishError})
				finishReason = FinishError
				break
			}

			var (
				calls  []ToolCall
				finish StepFinish
				failed bool
			)
			var text strings.Builder
			for ev := range events {
				switch e := ev.(type) {
				case StepFinish:
					finish = e
					continue
				case ToolCall:
					calls = append(calls, e)
				case TextDelta:
					text.WriteString(e.Text)
				case Error:
					failed = true
				}
				if !emit(ev) {
					return
				}
			}
			if finish.FinishReason == "" {
				finish.FinishReason = FinishUnknown
			}
			if failed {
				finish.FinishReason = FinishError
			}

			results := make([]ToolResult, 0, len(calls))
			if !failed {
				for _, call := range calls {
					res := runTool(ctx, tools, call)
					results = append(results, res)
					if !emit(res) {
						return
					}
				}
			}

			cont := !failed && len(results) > 0 && step < maxSteps
			finish.IsContinued = cont
			total = total.Add(finish.Usage)
			finishReason = finish.FinishReason
			if !emit(finish) {
				return
			}
			if !cont {
				break
			}
			req.Messages = append(req.Messages, continuation(text.String(), calls, results)...)
		}
		emit(Finish{FinishReason: finishReason, Usage: total})
	}()
	return out
}

func runTool(ctx context.Context, tools map[string]Tool, call ToolCall) ToolResult {
	res := ToolResult{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Args: call.Args}
	tool, ok := tools[call.ToolName]
	if !ok {
		res.Result = errorResult(fmt.Errorf("unknown tool %q", call.ToolName))
		return res
	}
	value, err := tool.Execute(ctx, call.Args)
	if err != nil {
		res.Result = errorResult(err)
		return res
	}
	raw, err := json.Marshal(value)
	if err != nil {
		res.Result = errorResult(fmt.Errorf("encode tool result: %w", err))
		return res
	}
	res.Result = raw
	return res
}

func errorResult(err error) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return raw
}

func continuation(text string, calls []ToolCall, results []ToolResult) []Message {
	assistant := Message{Role: "assistant", Content: text}
	for _, call := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCallRef{
			ID:   call.ToolCallID,
			Name: call.ToolName,
			Args: string(call.Args),
		})
	}
	msgs := []Message{assistant}
	for _, res := range results {
		msgs = append(msgs, Message{
			Role:       "tool",
			Content:    string(res.Result),
			ToolCallID: res.ToolCallID,
			Name:       res.ToolName,
		})
	}
	return msgs
}
