package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ClientConfig configures an OpenAI-compatible adapter. BaseURL selects
// compatibility endpoints of other vendors and self-hosted servers; it
// should include the /v1 style prefix.
type ClientConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func newClient(cfg ClientConfig) *openai.Client {
	oc := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		oc.BaseURL = base
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else {
		oc.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return openai.NewClientWithConfig(oc)
}

// OpenAIModel streams chat completions from any OpenAI-compatible endpoint.
type OpenAIModel struct {
	client   *openai.Client
	provider string
	model    string
}

// NewOpenAIModel builds a LanguageModel over the chat completions API.
func NewOpenAIModel(cfg ClientConfig) (*OpenAIModel, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("openai model required")
	}
	return &OpenAIModel{client: newClient(cfg), provider: cfg.Provider, model: model}, nil
}

func (m *OpenAIModel) ModelID() string { return m.model }

// Stream implements LanguageModel.
func (m *OpenAIModel) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	creq := openai.ChatCompletionRequest{
		Model:         m.model,
		Messages:      toOpenAIMessages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		creq.MaxCompletionTokens = req.MaxOutputTokens
	}
	for _, spec := range req.Tools {
		params := any(spec.Parameters)
		if len(spec.Parameters) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	stream, err := m.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("%s stream %s: %w", m.provider, m.model, err)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer stream.Close()
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := newToolCallBuffer()
		var usage Usage
		finish := ""
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(Error{Err: err})
				emit(StepFinish{FinishReason: FinishError, Usage: usage})
				return
			}
			if resp.Usage != nil {
				usage.PromptTokens = resp.Usage.PromptTokens
				usage.CompletionTokens = resp.Usage.CompletionTokens
				if resp.Usage.CompletionTokensDetails != nil {
					usage.ReasoningTokens = resp.Usage.CompletionTokensDetails.ReasoningTokens
				}
			}
			for _, choice := range resp.Choices {
				delta := choice.Delta
				if delta.ReasoningContent != "" && !emit(ReasoningDelta{Text: delta.ReasoningContent}) {
					return
				}
				if delta.Content != "" && !emit(TextDelta{Text: delta.Content}) {
					return
				}
				for _, tc := range delta.ToolCalls {
					for _, ev := range acc.add(tc) {
						if !emit(ev) {
							return
						}
					}
				}
				if choice.FinishReason != "" {
					finish = string(choice.FinishReason)
				}
			}
		}
		for _, call := range acc.calls() {
			if !emit(call) {
				return
			}
		}
		if finish == "" {
			finish = FinishStop
		}
		emit(StepFinish{FinishReason: finish, Usage: usage})
	}()
	return out, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// toolCallBuffer reassembles tool calls streamed as indexed fragments.
type toolCallBuffer struct {
	byIndex map[int]*pendingCall
	order   []int
}

func newToolCallBuffer() *toolCallBuffer {
	return &toolCallBuffer{byIndex: make(map[int]*pendingCall)}
}

func (b *toolCallBuffer) add(tc openai.ToolCall) []Event {
	idx := len(b.order)
	if tc.Index != nil {
		idx = *tc.Index
	} else if tc.ID == "" && len(b.order) > 0 {
		idx = b.order[len(b.order)-1]
	}
	var events []Event
	p, ok := b.byIndex[idx]
	if !ok {
		p = &pendingCall{id: tc.ID, name: tc.Function.Name}
		if p.id == "" {
			p.id = fmt.Sprintf("call_%d", idx)
		}
		b.byIndex[idx] = p
		b.order = append(b.order, idx)
		events = append(events, ToolCallStart{ToolCallID: p.id, ToolName: p.name})
	}
	if p.name == "" && tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		p.args.WriteString(tc.Function.Arguments)
		events = append(events, ToolCallDelta{ToolCallID: p.id, ToolName: p.name, ArgsDelta: tc.Function.Arguments})
	}
	return events
}

func (b *toolCallBuffer) calls() []Event {
	out := make([]Event, 0, len(b.order))
	for _, idx := range b.order {
		p := b.byIndex[idx]
		args := strings.TrimSpace(p.args.String())
		if args == "" {
			args = "{}"
		}
		raw := json.RawMessage(args)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(args)
		}
		out = append(out, ToolCall{ToolCallID: p.id, ToolName: p.name, Args: raw})
	}
	return out
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		cm := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Args,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

// OpenAIImageModel generates images through the images API.
type OpenAIImageModel struct {
	client   *openai.Client
	provider string
	model    string
}

func NewOpenAIImageModel(cfg ClientConfig) (*OpenAIImageModel, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("openai image model required")
	}
	return &OpenAIImageModel{client: newClient(cfg), provider: cfg.Provider, model: model}, nil
}

func (m *OpenAIImageModel) ModelID() string { return m.model }

// Generate implements ImageModel.
func (m *OpenAIImageModel) Generate(ctx context.Context, req ImageRequest) (Image, error) {
	size := strings.TrimSpace(req.Size)
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	resp, err := m.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          m.model,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return Image{}, fmt.Errorf("%s image %s: %w", m.provider, m.model, err)
	}
	if len(resp.Data) == 0 {
		return Image{}, errors.New("image response empty")
	}
	item := resp.Data[0]
	if item.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return Image{}, fmt.Errorf("decode image: %w", err)
		}
		return Image{Data: data, MimeType: "image/png"}, nil
	}
	if item.URL != "" {
		return Image{URL: item.URL, MimeType: "image/png"}, nil
	}
	return Image{}, errors.New("image response empty")
}
