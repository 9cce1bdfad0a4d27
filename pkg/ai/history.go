package ai

import (
	"fmt"
	"strings"

	"threadstream/pkg/domain"
)

// FromMessages converts persisted messages into model input. Reasoning and
// error parts are not replayed; completed tool invocations become an
// assistant tool-call message followed by one tool message per result.
func FromMessages(messages []domain.Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser, domain.RoleSystem:
			content := userContent(msg.Parts)
			if content == "" {
				continue
			}
			out = append(out, Message{Role: string(msg.Role), Content: content})
		case domain.RoleAssistant:
			out = append(out, assistantMessages(msg.Parts)...)
		}
	}
	return out
}

func userContent(parts []domain.Part) string {
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		case domain.PartFile:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			name := p.Filename
			if name == "" {
				name = "attachment"
			}
			fmt.Fprintf(&sb, "[%s](%s)", name, p.AssetURL)
		}
	}
	return strings.TrimSpace(sb.String())
}

func assistantMessages(parts []domain.Part) []Message {
	var (
		out     []Message
		current Message
		results []Message
	)
	flush := func() {
		if current.Content == "" && len(current.ToolCalls) == 0 {
			return
		}
		current.Role = "assistant"
		out = append(out, current)
		out = append(out, results...)
		current = Message{}
		results = nil
	}
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			if len(current.ToolCalls) > 0 {
				flush()
			}
			current.Content += p.Text
		case domain.PartToolInvocation:
			inv := p.ToolInvocation
			if inv == nil || inv.State != domain.ToolStateResult {
				continue
			}
			current.ToolCalls = append(current.ToolCalls, ToolCallRef{
				ID:   inv.ToolCallID,
				Name: inv.ToolName,
				Args: string(inv.Args),
			})
			results = append(results, Message{
				Role:       "tool",
				Content:    string(inv.Result),
				ToolCallID: inv.ToolCallID,
				Name:       inv.ToolName,
			})
		}
	}
	flush()
	return out
}
