package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"threadstream/internal/tracer"
	"threadstream/internal/util"
	"threadstream/pkg/ai"
	"threadstream/pkg/broker"
	"threadstream/pkg/credentials"
	"threadstream/pkg/domain"
	"threadstream/pkg/registry"
	"threadstream/pkg/storage"
	"threadstream/pkg/store"
	"threadstream/services/chat/internal/metrics"
)

const (
	defaultResumeWindow      = 15 * time.Second
	defaultGenerationTimeout = 10 * time.Minute
	defaultStaleLiveAfter    = 30 * time.Minute
	defaultAssetURLExpiry    = 24 * time.Hour
	persistTimeout           = 10 * time.Second
)

// StreamBroker is the durable channel generations are published to. A nil
// broker disables resumption.
type StreamBroker interface {
	Start(ctx context.Context, streamID string, producer <-chan []byte) (<-chan []byte, error)
	Resume(ctx context.Context, streamID string, fallback func() <-chan []byte) (<-chan []byte, error)
	IsActive(ctx context.Context, streamID string) (bool, error)
}

// SettingsSource lists a user's provider settings.
type SettingsSource interface {
	ListProviderSettings(ctx context.Context, userID string) ([]credentials.ProviderSetting, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store       store.Store
	Credentials SettingsSource
	Registry    *registry.Registry
	Broker      StreamBroker
	// Objects receives generated images. Without it images are inlined as
	// data URLs.
	Objects storage.ObjectStore
	Tools   []ai.Tool

	// TitleModelID names the model used to title new threads. Empty means the
	// heuristic title only.
	TitleModelID    string
	SystemPrompt    string
	MaxSteps        int
	MaxOutputTokens int

	ResumeWindow      time.Duration
	GenerationTimeout time.Duration
	StaleLiveAfter    time.Duration
	AssetURLExpiry    time.Duration

	// TokenCounter estimates completion tokens when a provider reports none.
	TokenCounter func(model, text string) int
	Now          func() time.Time
	Logger       *slog.Logger
}

// App runs generations and resumptions.
type App struct {
	store        store.Store
	credentials  SettingsSource
	registry     *registry.Registry
	broker       StreamBroker
	objects      storage.ObjectStore
	tools        map[string]ai.Tool
	titleModelID string
	systemPrompt string
	maxSteps     int
	maxOutput    int

	resumeWindow      time.Duration
	generationTimeout time.Duration
	staleLiveAfter    time.Duration
	assetURLExpiry    time.Duration

	countTokens func(model, text string) int
	now         func() time.Time
	logger      *slog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential store required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("model registry required")
	}
	a := &App{
		store:             cfg.Store,
		credentials:       cfg.Credentials,
		registry:          cfg.Registry,
		broker:            cfg.Broker,
		objects:           cfg.Objects,
		tools:             make(map[string]ai.Tool, len(cfg.Tools)),
		titleModelID:      strings.TrimSpace(cfg.TitleModelID),
		systemPrompt:      cfg.SystemPrompt,
		maxSteps:          cfg.MaxSteps,
		maxOutput:         cfg.MaxOutputTokens,
		resumeWindow:      cfg.ResumeWindow,
		generationTimeout: cfg.GenerationTimeout,
		staleLiveAfter:    cfg.StaleLiveAfter,
		assetURLExpiry:    cfg.AssetURLExpiry,
		countTokens:       cfg.TokenCounter,
		now:               cfg.Now,
		logger:            cfg.Logger,
		inflight:          make(map[string]int),
	}
	for _, tool := range cfg.Tools {
		a.tools[tool.Spec().Name] = tool
	}
	if a.resumeWindow <= 0 {
		a.resumeWindow = defaultResumeWindow
	}
	if a.generationTimeout <= 0 {
		a.generationTimeout = defaultGenerationTimeout
	}
	if a.staleLiveAfter <= 0 {
		a.staleLiveAfter = defaultStaleLiveAfter
	}
	if a.assetURLExpiry <= 0 {
		a.assetURLExpiry = defaultAssetURLExpiry
	}
	if a.countTokens == nil {
		a.countTokens = ai.CountTokens
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// ResumeEnabled reports whether a broker is configured.
func (a *App) ResumeEnabled() bool { return a.broker != nil }

// Wait blocks until every running generation has finalized or ctx ends.
func (a *App) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InputMessage is the user turn carried by a chat request.
type InputMessage struct {
	ID    string
	Parts []domain.Part
}

// ChatRequest is one POST /chat.
type ChatRequest struct {
	UserID   string
	ThreadID string
	Message  InputMessage
	ModelID  string
	// AssistantMessageID is the client-proposed id of the reply.
	AssistantMessageID  string
	EnabledTools        []string
	TargetMode          domain.TargetMode
	TargetFromMessageID string
	ImageSize           string
}

// Generation is a running turn. Body carries wire chunks for the caller and
// closes when the generation ends or the caller's context is done; Done
// closes once the turn is persisted.
type Generation struct {
	ThreadID string
	StreamID string
	Body     <-chan []byte
	Done     <-chan struct{}
}

// Chat validates the request, persists the user turn and starts generating.
// Errors are returned only before streaming starts; later failures end up in
// the stream and in the persisted message.
func (a *App) Chat(ctx context.Context, req ChatRequest) (*Generation, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.generate")
	defer span.End()

	if err := validateChatRequest(&req); err != nil {
		return nil, err
	}
	logger := util.LoggerFromContext(ctx).With("user_id", req.UserID, "model", req.ModelID)

	settings, err := a.credentials.ListProviderSettings(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load provider settings: %w", err)
	}
	resolved, err := a.registry.Resolve(ctx, a.registry.Snapshot(settings), req.ModelID)
	if err != nil {
		metrics.ProviderResolutionsTotal.WithLabelValues(resolutionResult(err)).Inc()
		tracer.RecordError(span, err)
		return nil, err
	}
	metrics.ProviderResolutionsTotal.WithLabelValues(resolved.Class.String()).Inc()

	created, err := a.store.CreateThreadOrAppendMessages(ctx, store.CreateMessagesInput{
		ThreadID:            req.ThreadID,
		AuthorID:            req.UserID,
		UserMessageID:       req.Message.ID,
		UserParts:           req.Message.Parts,
		AssistantMessageID:  req.AssistantMessageID,
		TargetMode:          req.TargetMode,
		TargetFromMessageID: req.TargetFromMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("save user turn: %w", err)
	}
	threadID := created.Thread.ID
	assistantID := created.AssistantMessage.MessageID
	record, err := a.store.AppendStreamID(ctx, threadID)
	if err != nil {
		a.abandonTurn(threadID, assistantID, logger)
		return nil, fmt.Errorf("allocate stream: %w", err)
	}
	history, err := a.store.GetMessagesByThreadID(ctx, threadID)
	if err != nil {
		a.abandonTurn(threadID, assistantID, logger)
		return nil, fmt.Errorf("load history: %w", err)
	}
	started := a.now()
	if err := a.store.UpdateThreadStreamingState(ctx, threadID, domain.StreamingState{
		IsLive:          true,
		StreamStartedAt: &started,
		CurrentStreamID: record.ID,
	}); err != nil {
		a.abandonTurn(threadID, assistantID, logger)
		return nil, fmt.Errorf("mark thread live: %w", err)
	}

	span.SetAttributes(
		tracer.StringAttr("thread_id", threadID),
		tracer.StringAttr("stream_id", record.ID),
		tracer.StringAttr("adapter", resolved.Adapter.String()),
	)
	ctx = util.WithStream(ctx, threadID, record.ID)
	logger = util.LoggerFromContext(ctx).With("user_id", req.UserID, "model", req.ModelID)
	logger.Info("generation_state", "state", "live", "adapter", resolved.Adapter.String())

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.generationTimeout)
	producer := make(chan []byte, 32)
	g := &generation{
		threadID:    threadID,
		streamID:    record.ID,
		assistantID: assistantID,
		userParts:   created.UserMessage.Parts,
		history:     withoutMessage(history, assistantID),
		resolved:    resolved,
		tools:       a.enabledTools(req.EnabledTools, logger),
		imageSize:   req.ImageSize,
		started:     started,
		producer:    producer,
		logger:      logger,
	}
	if created.ThreadCreated {
		var namingCtx context.Context
		g.naming, namingCtx = errgroup.WithContext(genCtx)
		g.naming.Go(func() error {
			a.nameThread(namingCtx, threadID, settings, created.UserMessage.Parts, logger)
			return nil
		})
	}

	done := make(chan struct{})
	a.track(threadID)
	go a.run(genCtx, cancel, g, done)

	return &Generation{
		ThreadID: threadID,
		StreamID: record.ID,
		Body:     a.attach(ctx, record.ID, producer, logger),
		Done:     done,
	}, nil
}

// abandonTurn gives the empty assistant placeholder of a turn that never
// started streaming a terminal error part. It is best effort.
func (a *App) abandonTurn(threadID, assistantID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	parts := []domain.Part{domain.ErrorPart(domain.ErrorCodeNoResponse, noResponseMessage)}
	if err := a.store.PatchMessage(ctx, threadID, assistantID, parts, domain.MessageMetadata{}); err != nil {
		logger.Warn("mark abandoned turn failed", "thread_id", threadID, "message_id", assistantID, "err", err)
		return
	}
	metrics.GenerationsTotal.WithLabelValues("no_response").Inc()
}

// attach publishes producer through the broker, or streams it directly when
// resumption is disabled or the broker is unavailable.
func (a *App) attach(ctx context.Context, streamID string, producer <-chan []byte, logger *slog.Logger) <-chan []byte {
	if a.broker != nil {
		live, err := a.broker.Start(ctx, streamID, producer)
		if err == nil {
			return live
		}
		logger.Warn("broker start failed; streaming without resumption", "err", err)
	}
	return broker.Passthrough(ctx, producer)
}

func (a *App) enabledTools(names []string, logger *slog.Logger) []ai.Tool {
	out := make([]ai.Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		tool, ok := a.tools[name]
		if !ok {
			logger.Debug("requested tool not available", "tool", name)
			continue
		}
		out = append(out, tool)
	}
	return out
}

func (a *App) track(threadID string) {
	a.wg.Add(1)
	a.mu.Lock()
	a.inflight[threadID]++
	a.mu.Unlock()
	metrics.ActiveGenerations.Inc()
}

func (a *App) untrack(threadID string) {
	a.mu.Lock()
	if a.inflight[threadID] <= 1 {
		delete(a.inflight, threadID)
	} else {
		a.inflight[threadID]--
	}
	a.mu.Unlock()
	metrics.ActiveGenerations.Dec()
	a.wg.Done()
}

func (a *App) generating(threadID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[threadID] > 0
}

func validateChatRequest(req *ChatRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.ModelID = strings.TrimSpace(req.ModelID)
	req.TargetFromMessageID = strings.TrimSpace(req.TargetFromMessageID)
	req.ImageSize = strings.TrimSpace(req.ImageSize)
	if req.UserID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	if req.ModelID == "" {
		return fmt.Errorf("%w: model required", ErrInvalidRequest)
	}
	switch req.TargetMode {
	case domain.TargetNone:
		if !hasContent(req.Message.Parts) {
			return fmt.Errorf("%w: message required", ErrInvalidRequest)
		}
	case domain.TargetRetry, domain.TargetEdit:
		if req.ThreadID == "" {
			return fmt.Errorf("%w: %s requires a thread id", ErrInvalidRequest, req.TargetMode)
		}
		if req.TargetFromMessageID == "" {
			return fmt.Errorf("%w: %s requires targetFromMessageId", ErrInvalidRequest, req.TargetMode)
		}
		if req.TargetMode == domain.TargetEdit && !hasContent(req.Message.Parts) {
			return fmt.Errorf("%w: edit requires message content", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown target mode %q", ErrInvalidRequest, req.TargetMode)
	}
	if req.ImageSize != "" && !validImageSize(req.ImageSize) {
		return fmt.Errorf("%w: image size must look like 1024x1024", ErrInvalidRequest)
	}
	return nil
}

func hasContent(parts []domain.Part) bool {
	for _, p := range parts {
		switch p.Type {
		case domain.PartText:
			if strings.TrimSpace(p.Text) != "" {
				return true
			}
		case domain.PartFile:
			if strings.TrimSpace(p.AssetURL) != "" {
				return true
			}
		}
	}
	return false
}

func validImageSize(size string) bool {
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return false
	}
	wi, err := strconv.Atoi(w)
	if err != nil || wi <= 0 {
		return false
	}
	hi, err := strconv.Atoi(h)
	return err == nil && hi > 0
}

func withoutMessage(messages []domain.Message, messageID string) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.MessageID == messageID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func resolutionResult(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnsupportedModel):
		return "unsupported"
	case errors.Is(err, registry.ErrNoUsableModel):
		return "exhausted"
	default:
		return "error"
	}
}
