package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"threadstream/internal/util"
	"threadstream/pkg/accumulator"
	"threadstream/pkg/ai"
	"threadstream/pkg/datastream"
	"threadstream/pkg/domain"
	"threadstream/pkg/registry"
	"threadstream/pkg/storage"
	"threadstream/services/chat/internal/metrics"
)

const (
	imageToolName     = "image_generation"
	noResponseMessage = "The model returned no response."
	timeoutMessage    = "generation timed out"
	defaultImageMime  = "image/png"
)

// generation is the state of one running turn.
type generation struct {
	threadID    string
	streamID    string
	assistantID string
	userParts   []domain.Part
	history     []domain.Message
	resolved    registry.Resolved
	tools       []ai.Tool
	imageSize   string
	started     time.Time

	acc      *accumulator.Accumulator
	naming   *errgroup.Group
	producer chan []byte
	logger   *slog.Logger
}

func (g *generation) emit(chunk datastream.Chunk) {
	b, err := datastream.Encode(chunk)
	if err != nil {
		g.logger.Error("encode chunk failed", "type", string(chunk.Type), "err", err)
		return
	}
	g.producer <- b
	metrics.StreamChunksTotal.Inc()
}

// apply folds ev into the accumulator and streams the resulting chunk.
func (g *generation) apply(ev ai.Event) {
	g.emit(g.acc.Apply(ev))
}

// run drives one generation from LIVE to DONE. Liveness is cleared before
// the producer closes so a client seeing the end of the stream reads a
// settled thread.
func (a *App) run(ctx context.Context, cancel context.CancelFunc, g *generation, done chan<- struct{}) {
	defer a.untrack(g.threadID)
	defer close(done)
	defer cancel()
	defer close(g.producer)
	defer a.clearLive(g)

	g.acc = accumulator.New(accumulator.WithClock(a.now))
	g.emit(datastream.Data(datastream.DataThreadID, g.threadID))
	g.emit(datastream.Data(datastream.DataStreamID, g.streamID))

	a.live(ctx, g)
	a.finalize(g)
}

func (a *App) live(ctx context.Context, g *generation) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("generation panicked", "panic", r)
			g.apply(ai.Error{Err: fmt.Sprint(r)})
		}
	}()
	if g.resolved.IsImage() {
		a.runImage(ctx, g)
		return
	}
	a.runText(ctx, g)
}

func (a *App) runText(ctx context.Context, g *generation) {
	req := ai.Request{
		System:          a.systemPrompt,
		Messages:        ai.FromMessages(g.history),
		MaxOutputTokens: a.maxOutput,
	}
	events := ai.StreamText(ctx, g.resolved.Text, req, ai.StreamOptions{Tools: g.tools, MaxSteps: a.maxSteps})
	for chunk := range g.acc.Transform(ctx, events) {
		g.emit(chunk)
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.apply(ai.Error{Err: timeoutMessage})
			return
		}
		g.apply(ai.Error{Err: err})
	}
}

// runImage maps a single image request onto a tool invocation so clients
// render it like any other tool call.
func (a *App) runImage(ctx context.Context, g *generation) {
	prompt := domain.PlainText(g.userParts)
	callID := "call_" + util.NewID()
	args, _ := json.Marshal(map[string]string{"prompt": prompt, "size": g.imageSize})

	g.apply(ai.StepStart{MessageID: "msg-" + uuid.NewString()})
	g.apply(ai.ToolCall{ToolCallID: callID, ToolName: imageToolName, Args: args})

	finish := ai.FinishStop
	result, err := a.generateImage(ctx, g, prompt)
	if err != nil {
		g.logger.Warn("image generation failed", "err", err)
		result, _ = json.Marshal(map[string]string{"error": accumulator.ErrorMessage(err)})
		finish = ai.FinishError
	}
	g.apply(ai.ToolResult{ToolCallID: callID, ToolName: imageToolName, Args: args, Result: result})
	g.apply(ai.StepFinish{FinishReason: finish})
	g.apply(ai.Finish{FinishReason: finish})
}

type imageResult struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Prompt   string `json:"prompt"`
}

func (a *App) generateImage(ctx context.Context, g *generation, prompt string) (json.RawMessage, error) {
	img, err := g.resolved.Image.Generate(ctx, ai.ImageRequest{Prompt: prompt, Size: g.imageSize})
	if err != nil {
		return nil, err
	}
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = defaultImageMime
	}
	url := img.URL
	switch {
	case len(img.Data) > 0 && a.objects != nil:
		key := storage.AssetKey(g.threadID, mimeType)
		url, err = storage.PutBytes(ctx, a.objects, key, img.Data, mimeType, a.assetURLExpiry)
		if err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
	case len(img.Data) > 0:
		url = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	case url == "":
		return nil, errors.New("image model returned no image")
	}
	return json.Marshal(imageResult{URL: url, MimeType: mimeType, Prompt: prompt})
}

// finalize persists the assistant message once. It waits for the naming
// task first; the task never fails the turn.
func (a *App) finalize(g *generation) {
	if g.naming != nil {
		_ = g.naming.Wait()
	}
	parts := g.acc.Parts()
	outcome := "ok"
	switch {
	case len(parts) == 0:
		parts = []domain.Part{domain.ErrorPart(domain.ErrorCodeNoResponse, noResponseMessage)}
		outcome = "no_response"
	case g.acc.Failed():
		outcome = "error"
	}

	elapsed := a.now().Sub(g.started)
	meta := a.usageMetadata(g, parts)
	ms := elapsed.Milliseconds()
	meta.ServerDurationMs = &ms

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.PatchMessage(ctx, g.threadID, g.assistantID, parts, meta); err != nil {
		g.logger.Error("persist assistant message failed", "message_id", g.assistantID, "err", err)
		outcome = "error"
	}

	metrics.GenerationsTotal.WithLabelValues(outcome).Inc()
	metrics.GenerationDuration.Observe(elapsed.Seconds())
	g.logger.Info("generation_state", "state", "done", "outcome", outcome, "parts", len(parts), "duration_ms", ms)
}

func (a *App) usageMetadata(g *generation, parts []domain.Part) domain.MessageMetadata {
	meta := domain.MessageMetadata{
		ModelID:   g.resolved.Model.ID,
		ModelName: g.resolved.Model.Name,
	}
	usage := g.acc.Usage()
	if usage.PromptTokens > 0 {
		meta.PromptTokens = domain.IntPtr(usage.PromptTokens)
	}
	if usage.ReasoningTokens > 0 {
		meta.ReasoningTokens = domain.IntPtr(usage.ReasoningTokens)
	}
	completion := usage.CompletionTokens
	if completion == 0 && !g.resolved.IsImage() {
		completion = a.countTokens(g.resolved.Adapter.ModelID, domain.PlainText(parts))
	}
	meta.CompletionTokens = domain.IntPtr(completion)
	return meta
}

// clearLive drops the thread's live flag if this generation still owns it.
// It runs on every exit path and never fails the turn.
func (a *App) clearLive(g *generation) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("clear liveness panicked", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	cleared, err := a.store.ClearLive(ctx, g.threadID, g.streamID)
	if err != nil {
		g.logger.Warn("clear liveness failed", "err", err)
		return
	}
	if !cleared {
		g.logger.Debug("thread owned by a newer stream; liveness left alone")
	}
}
