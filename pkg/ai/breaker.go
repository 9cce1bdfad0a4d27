package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// BreakerSet hands out one circuit breaker per provider. Only stream
// initiation and image requests pass through the breaker; failures after a
// stream is established travel as Error events.
type BreakerSet struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewBreakerSet(cfg BreakerConfig, logger *slog.Logger) *BreakerSet {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{cfg: cfg, logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (s *BreakerSet) get(provider string) *gobreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[provider]; ok {
		return cb
	}
	maxFailures := s.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "provider:" + provider,
		MaxRequests: 1,
		Interval:    s.cfg.Interval,
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	s.breakers[provider] = cb
	return cb
}

// State reports the breaker state for a provider.
func (s *BreakerSet) State(provider string) gobreaker.State {
	return s.get(provider).State()
}

// LanguageModel wraps m with the provider's breaker.
func (s *BreakerSet) LanguageModel(provider string, m LanguageModel) LanguageModel {
	return &breakerModel{inner: m, provider: provider, cb: s.get(provider)}
}

// ImageModel wraps m with the provider's breaker.
func (s *BreakerSet) ImageModel(provider string, m ImageModel) ImageModel {
	return &breakerImageModel{inner: m, provider: provider, cb: s.get(provider)}
}

type breakerModel struct {
	inner    LanguageModel
	provider string
	cb       *gobreaker.CircuitBreaker[any]
}

func (m *breakerModel) ModelID() string { return m.inner.ModelID() }

func (m *breakerModel) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	res, err := m.cb.Execute(func() (any, error) {
		return m.inner.Stream(ctx, req)
	})
	if err != nil {
		return nil, wrapBreakerErr(m.provider, err)
	}
	return res.(<-chan Event), nil
}

type breakerImageModel struct {
	inner    ImageModel
	provider string
	cb       *gobreaker.CircuitBreaker[any]
}

func (m *breakerImageModel) ModelID() string { return m.inner.ModelID() }

func (m *breakerImageModel) Generate(ctx context.Context, req ImageRequest) (Image, error) {
	res, err := m.cb.Execute(func() (any, error) {
		return m.inner.Generate(ctx, req)
	})
	if err != nil {
		return Image{}, wrapBreakerErr(m.provider, err)
	}
	return res.(Image), nil
}

func wrapBreakerErr(provider string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q circuit open: %w", provider, err)
	}
	return err
}
