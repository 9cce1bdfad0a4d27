package registry

import (
	"net/http"
	"strings"

	"threadstream/pkg/ai"
)

// compatBaseURLs are the OpenAI-compatible endpoints of core providers and
// the aggregator. OpenAI itself uses the client default.
var compatBaseURLs = map[string]string{
	"anthropic":  "https://api.anthropic.com/v1/",
	"google":     "https://generativelanguage.googleapis.com/v1beta/openai/",
	"mistral":    "https://api.mistral.ai/v1",
	"xai":        "https://api.x.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// OpenAIFactory builds every handle through OpenAI-compatible APIs, wrapping
// each in its provider's circuit breaker.
type OpenAIFactory struct {
	Breakers   *ai.BreakerSet
	HTTPClient *http.Client
}

func (f *OpenAIFactory) clientConfig(conn Connection) ai.ClientConfig {
	base := strings.TrimSpace(conn.BaseURL)
	if base == "" {
		base = compatBaseURLs[strings.TrimPrefix(conn.ProviderID, internalPrefix)]
	}
	return ai.ClientConfig{
		Provider:   conn.ProviderID,
		BaseURL:    base,
		APIKey:     conn.APIKey,
		Model:      conn.ModelID,
		HTTPClient: f.HTTPClient,
	}
}

func (f *OpenAIFactory) LanguageModel(conn Connection) (ai.LanguageModel, error) {
	m, err := ai.NewOpenAIModel(f.clientConfig(conn))
	if err != nil {
		return nil, err
	}
	if f.Breakers == nil {
		return m, nil
	}
	return f.Breakers.LanguageModel(conn.ProviderID, m), nil
}

func (f *OpenAIFactory) ImageModel(conn Connection) (ai.ImageModel, error) {
	m, err := ai.NewOpenAIImageModel(f.clientConfig(conn))
	if err != nil {
		return nil, err
	}
	if f.Breakers == nil {
		return m, nil
	}
	return f.Breakers.ImageModel(conn.ProviderID, m), nil
}
