// Package registry resolves a requested model id to a usable model handle
// from a user's configured providers and the shared model catalog.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"threadstream/internal/tracer"
	"threadstream/pkg/ai"
	"threadstream/pkg/credentials"
)

var (
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrNoUsableModel    = errors.New("no usable model")
)

// Class is a provider priority class. Lower sorts first.
type Class int

const (
	ClassBYOK Class = iota
	ClassAggregator
	ClassInternal
	ClassCustom
)

func (c Class) String() string {
	switch c {
	case ClassBYOK:
		return "byok"
	case ClassAggregator:
		return "aggregator"
	case ClassInternal:
		return "internal"
	default:
		return "custom"
	}
}

const (
	aggregatorProvider = "openrouter"
	internalPrefix     = "i3-"
)

var coreProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"google":    true,
	"mistral":   true,
	"xai":       true,
	"groq":      true,
}

// InternalProvider is a server-held provider available to every user.
type InternalProvider struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
}

// Provider is one entry of a snapshot. Internal providers carry a plain
// APIKey; user providers carry a SealedKey.
type Provider struct {
	ID        string
	Name      string
	Endpoint  string
	Enabled   bool
	SealedKey string
	APIKey    string
	Class     Class
}

type Model struct {
	ID               string
	Name             string
	Adapters         []string
	Abilities        []string
	CustomProviderID string
}

func (m Model) Has(ability string) bool {
	return slices.Contains(m.Abilities, ability)
}

// Snapshot is the per-resolution view of a user's providers and models.
type Snapshot struct {
	Providers map[string]Provider
	Models    map[string]Model
}

// Build merges user settings, the catalog and internal providers.
func Build(settings []credentials.ProviderSetting, catalog Catalog, internal []InternalProvider) Snapshot {
	snap := Snapshot{
		Providers: make(map[string]Provider, len(settings)+len(internal)),
		Models:    make(map[string]Model, len(catalog.Models)),
	}
	for _, m := range catalog.Models {
		snap.Models[m.ID] = Model{
			ID:        m.ID,
			Name:      m.Name,
			Adapters:  append([]string(nil), m.Adapters...),
			Abilities: append([]string(nil), m.Abilities...),
		}
	}
	for _, p := range internal {
		snap.Providers[p.ID] = Provider{
			ID:       p.ID,
			Name:     p.ID,
			Endpoint: p.BaseURL,
			Enabled:  true,
			APIKey:   p.APIKey,
			Class:    ClassInternal,
		}
	}
	for _, s := range settings {
		if strings.HasPrefix(s.ProviderID, internalPrefix) {
			continue
		}
		snap.Providers[s.ProviderID] = Provider{
			ID:        s.ProviderID,
			Name:      s.Name,
			Endpoint:  s.Endpoint,
			Enabled:   s.Enabled,
			SealedKey: s.SealedKey,
			Class:     classify(s.ProviderID, s.Custom),
		}
		if !s.Custom {
			continue
		}
		for _, cm := range s.Models {
			adapter := s.ProviderID + ":" + cm.ID
			if existing, ok := snap.Models[cm.ID]; ok {
				existing.Adapters = append(existing.Adapters, adapter)
				snap.Models[cm.ID] = existing
				continue
			}
			name := cm.Name
			if name == "" {
				name = cm.ID
			}
			snap.Models[cm.ID] = Model{
				ID:               cm.ID,
				Name:             name,
				Adapters:         []string{adapter},
				Abilities:        append([]string(nil), cm.Abilities...),
				CustomProviderID: s.ProviderID,
			}
		}
	}
	return snap
}

func classify(providerID string, custom bool) Class {
	switch {
	case strings.HasPrefix(providerID, internalPrefix):
		return ClassInternal
	case custom:
		return ClassCustom
	case coreProviders[providerID]:
		return ClassBYOK
	case providerID == aggregatorProvider:
		return ClassAggregator
	default:
		return ClassCustom
	}
}

// Candidate is one ranked adapter for a model.
type Candidate struct {
	Adapter  Adapter
	Class    Class
	Provider Provider
	// Configured is false when the snapshot has no provider for the adapter.
	Configured bool
}

// Candidates iterates ranked adapters in preference order.
type Candidates struct {
	Model Model
	items []Candidate
	pos   int
}

// Next returns the next candidate, or false when exhausted.
func (c *Candidates) Next() (Candidate, bool) {
	if c.pos >= len(c.items) {
		return Candidate{}, false
	}
	item := c.items[c.pos]
	c.pos++
	return item, true
}

// Len reports the total number of candidates.
func (c *Candidates) Len() int { return len(c.items) }

// Rank orders the adapters of modelID. Ties keep catalog order.
func Rank(snap Snapshot, modelID string) (*Candidates, error) {
	model, ok := snap.Models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelID)
	}
	items := make([]Candidate, 0, len(model.Adapters))
	for _, raw := range model.Adapters {
		adapter, err := ParseAdapter(raw)
		if err != nil {
			continue
		}
		provider, configured := snap.Providers[adapter.ProviderID]
		class := classify(adapter.ProviderID, false)
		if configured {
			class = provider.Class
		}
		items = append(items, Candidate{Adapter: adapter, Class: class, Provider: provider, Configured: configured})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Class < items[j].Class })
	return &Candidates{Model: model, items: items}, nil
}

// Connection is everything a Factory needs to build a handle.
type Connection struct {
	ProviderID string
	ModelID    string
	BaseURL    string
	APIKey     string
	Class      Class
}

// Factory constructs provider handles.
type Factory interface {
	LanguageModel(conn Connection) (ai.LanguageModel, error)
	ImageModel(conn Connection) (ai.ImageModel, error)
}

// KeyOpener decrypts sealed provider keys.
type KeyOpener interface {
	Open(sealed string) (string, error)
}

type Config struct {
	Catalog  Catalog
	Internal []InternalProvider
	Opener   KeyOpener
	Factory  Factory
	Logger   *slog.Logger
}

// Registry resolves models. It holds no per-user state.
type Registry struct {
	catalog  Catalog
	internal []InternalProvider
	opener   KeyOpener
	factory  Factory
	logger   *slog.Logger
}

func New(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errors.New("registry factory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if len(catalog.Models) == 0 {
		catalog = DefaultCatalog()
	}
	return &Registry{
		catalog:  catalog,
		internal: append([]InternalProvider(nil), cfg.Internal...),
		opener:   cfg.Opener,
		factory:  cfg.Factory,
		logger:   logger,
	}, nil
}

// Snapshot builds the user's view from their settings.
func (r *Registry) Snapshot(settings []credentials.ProviderSetting) Snapshot {
	return Build(settings, r.catalog, r.internal)
}

// Resolved is the winning handle. Exactly one of Text and Image is set.
type Resolved struct {
	Model   Model
	Adapter Adapter
	Class   Class
	Text    ai.LanguageModel
	Image   ai.ImageModel
}

// IsImage reports whether the resolved model generates images.
func (r Resolved) IsImage() bool { return r.Image != nil }

// Resolve walks the ranked candidates of modelID and returns the first one
// that yields a handle. Unusable providers are skipped, never fatal.
func (r *Registry) Resolve(ctx context.Context, snap Snapshot, modelID string) (Resolved, error) {
	_, span := tracer.StartSpan(ctx, "registry.resolve")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("model", modelID))

	candidates, err := Rank(snap, modelID)
	if err != nil {
		tracer.RecordError(span, err)
		return Resolved{}, err
	}
	image := candidates.Model.Has(AbilityImageGeneration)
	for c, ok := candidates.Next(); ok; c, ok = candidates.Next() {
		conn, reason := r.connection(c)
		if reason != "" {
			r.logger.Debug("registry skip candidate", "model", modelID, "adapter", c.Adapter.String(), "reason", reason)
			continue
		}
		res := Resolved{Model: candidates.Model, Adapter: c.Adapter, Class: c.Class}
		if image {
			res.Image, err = r.factory.ImageModel(conn)
		} else {
			res.Text, err = r.factory.LanguageModel(conn)
		}
		if err != nil {
			r.logger.Warn("registry construct failed", "model", modelID, "adapter", c.Adapter.String(), "err", err)
			continue
		}
		span.SetAttributes(tracer.StringAttr("adapter", c.Adapter.String()), tracer.StringAttr("class", c.Class.String()))
		return res, nil
	}
	err = fmt.Errorf("%w: %s", ErrNoUsableModel, modelID)
	tracer.RecordError(span, err)
	return Resolved{}, err
}

// connection returns the connection for c, or a non-empty skip reason.
func (r *Registry) connection(c Candidate) (Connection, string) {
	if !c.Configured {
		return Connection{}, "provider not configured"
	}
	p := c.Provider
	if !p.Enabled {
		return Connection{}, "provider disabled"
	}
	conn := Connection{
		ProviderID: p.ID,
		ModelID:    c.Adapter.ModelID,
		BaseURL:    p.Endpoint,
		Class:      c.Class,
	}
	switch c.Class {
	case ClassInternal:
		conn.APIKey = p.APIKey
		return conn, ""
	case ClassCustom:
		if strings.TrimSpace(p.Endpoint) == "" {
			return Connection{}, "custom provider has no endpoint"
		}
		if p.SealedKey == "" {
			return conn, ""
		}
	default:
		if p.SealedKey == "" {
			return Connection{}, "missing credential"
		}
	}
	if r.opener == nil {
		return Connection{}, "no credential opener"
	}
	key, err := r.opener.Open(p.SealedKey)
	if err != nil {
		return Connection{}, "credential undecryptable"
	}
	conn.APIKey = key
	return conn, ""
}
