// Package tools holds the tools chat models may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"threadstream/pkg/ai"
)

const (
	WebSearchName          = "web_search"
	defaultSearchEndpoint  = "https://google.serper.dev/search"
	defaultSearchTimeout   = 15 * time.Second
	defaultSearchResults   = 5
	maxSearchResults       = 10
	searchUserAgent        = "threadstream-chat/1.0"
	webSearchDescription   = "Search the web and return the top results with title, url and snippet."
	webSearchParameterJSON = `{"type":"object","properties":{"query":{"type":"string","description":"Search query"},"maxResults":{"type":"integer","minimum":1,"maximum":10}},"required":["query"]}`
)

// WebSearchConfig configures a Serper-compatible search backend.
type WebSearchConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxResults int
	HTTPClient *http.Client
}

// WebSearch implements ai.Tool.
type WebSearch struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *resty.Client
}

var _ ai.Tool = (*WebSearch)(nil)

func NewWebSearch(cfg WebSearchConfig) (*WebSearch, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("web search api key required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = defaultSearchResults
	}
	client := resty.New()
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	}
	client.SetHeader("User-Agent", searchUserAgent).
		SetTimeout(timeout).
		SetRetryCount(0)
	return &WebSearch{endpoint: endpoint, apiKey: apiKey, maxResults: maxResults, client: client}, nil
}

func (w *WebSearch) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        WebSearchName,
		Description: webSearchDescription,
		Parameters:  json.RawMessage(webSearchParameterJSON),
	}
}

type searchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (w *WebSearch) Execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid web_search arguments: %w", err)
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	limit := w.maxResults
	if args.MaxResults > 0 && args.MaxResults <= maxSearchResults {
		limit = args.MaxResults
	}

	var res serperResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", w.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"q": query, "num": limit}).
		SetResult(&res).
		Post(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("query search api: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search api error (status %d)", resp.StatusCode())
	}

	out := SearchResponse{Query: query, Results: make([]SearchResult, 0, limit)}
	for _, item := range res.Organic {
		if len(out.Results) == limit {
			break
		}
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		out.Results = append(out.Results, SearchResult{
			Title:   strings.TrimSpace(item.Title),
			URL:     link,
			Snippet: strings.TrimSpace(item.Snippet),
		})
	}
	return out, nil
}
