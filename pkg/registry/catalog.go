package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Abilities.
const (
	AbilityReasoning       = "reasoning"
	AbilityVision          = "vision"
	AbilityTools           = "tools"
	AbilityImageGeneration = "image-generation"
)

// CatalogModel is a shared model entry. Adapters are "providerId:modelId"
// pairs in catalog order.
type CatalogModel struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Adapters  []string `yaml:"adapters"`
	Abilities []string `yaml:"abilities"`
}

// Catalog is the static list of shared models.
type Catalog struct {
	Models []CatalogModel `yaml:"models"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{Models: []CatalogModel{
		{
			ID:        "gpt-4o-mini",
			Name:      "GPT-4o mini",
			Adapters:  []string{"openai:gpt-4o-mini", "openrouter:openai/gpt-4o-mini", "i3-openai:gpt-4o-mini"},
			Abilities: []string{AbilityVision, AbilityTools},
		},
		{
			ID:        "o4-mini",
			Name:      "o4-mini",
			Adapters:  []string{"openai:o4-mini", "openrouter:openai/o4-mini", "i3-openai:o4-mini"},
			Abilities: []string{AbilityReasoning, AbilityTools},
		},
		{
			ID:        "claude-sonnet-4",
			Name:      "Claude Sonnet 4",
			Adapters:  []string{"anthropic:claude-sonnet-4-20250514", "openrouter:anthropic/claude-sonnet-4", "i3-anthropic:claude-sonnet-4-20250514"},
			Abilities: []string{AbilityReasoning, AbilityVision, AbilityTools},
		},
		{
			ID:        "gemini-2.5-flash",
			Name:      "Gemini 2.5 Flash",
			Adapters:  []string{"google:gemini-2.5-flash", "openrouter:google/gemini-2.5-flash", "i3-google:gemini-2.5-flash"},
			Abilities: []string{AbilityReasoning, AbilityVision, AbilityTools},
		},
		{
			ID:        "gpt-image-1",
			Name:      "GPT Image 1",
			Adapters:  []string{"openai:gpt-image-1", "i3-openai:gpt-image-1"},
			Abilities: []string{AbilityImageGeneration},
		},
	}}
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("catalog: model id is required")
		}
		if seen[m.ID] {
			return fmt.Errorf("catalog: duplicate model %q", m.ID)
		}
		seen[m.ID] = true
		for _, a := range m.Adapters {
			if _, err := ParseAdapter(a); err != nil {
				return fmt.Errorf("catalog: model %q: %w", m.ID, err)
			}
		}
	}
	return nil
}

// Adapter is one way to reach a logical model.
type Adapter struct {
	ProviderID string
	ModelID    string
}

func (a Adapter) String() string { return a.ProviderID + ":" + a.ModelID }

// ParseAdapter splits "providerId:modelId". The model part may contain
// further colons.
func ParseAdapter(s string) (Adapter, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || provider == "" || model == "" {
		return Adapter{}, fmt.Errorf("invalid adapter %q", s)
	}
	return Adapter{ProviderID: provider, ModelID: model}, nil
}
