package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadstream/internal/ratelimit"
	"threadstream/pkg/ai"
	"threadstream/pkg/ai/aitest"
	"threadstream/pkg/broker"
	"threadstream/pkg/credentials"
	"threadstream/pkg/datastream"
	"threadstream/pkg/registry"
	"threadstream/pkg/store"
	"threadstream/services/chat/internal/app"
)

type staticVerifier map[string]string

func (v staticVerifier) VerifySubject(token string) (string, error) {
	if user, ok := v[token]; ok {
		return user, nil
	}
	return "", errors.New("invalid token")
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) ratelimit.Decision {
	return ratelimit.Decision{RetryAfter: 42 * time.Second}
}

type modelFactory struct{ model ai.LanguageModel }

func (f modelFactory) LanguageModel(registry.Connection) (ai.LanguageModel, error) {
	return f.model, nil
}

func (f modelFactory) ImageModel(registry.Connection) (ai.ImageModel, error) {
	return nil, errors.New("no image model")
}

type testServer struct {
	url   string
	store *store.MemoryStore
}

func newTestServer(t *testing.T, withBroker bool, limiter RateLimiter) *testServer {
	t.Helper()
	model := &aitest.ScriptedModel{Steps: [][]ai.Event{aitest.Text("Hello", " there")}}
	reg, err := registry.New(registry.Config{
		Catalog: registry.Catalog{Models: []registry.CatalogModel{
			{ID: "chat-model", Name: "Chat Model", Adapters: []string{"i3-test:chat-model"}},
		}},
		Internal: []registry.InternalProvider{{ID: "i3-test", APIKey: "server-key"}},
		Factory:  modelFactory{model: model},
	})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	cfg := app.Config{
		Store:        st,
		Credentials:  credentials.NewMemoryStore(),
		Registry:     reg,
		TokenCounter: func(_, text string) int { return ai.ApproxTokens(text) },
	}
	if withBroker {
		mr := miniredis.RunT(t)
		b := broker.New(broker.Options{Addr: mr.Addr(), Prefix: "test", WatchInterval: 20 * time.Millisecond})
		t.Cleanup(func() { _ = b.Close() })
		cfg.Broker = b
	}
	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Wait(ctx)
	})

	srv, err := New(Config{
		App:         a,
		Verifier:    staticVerifier{"alice-token": "alice", "bob-token": "bob"},
		ChatLimiter: limiter,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)
	return &testServer{url: hs.URL, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, ts.url+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func hiRequest() map[string]any {
	return map[string]any{
		"message": map[string]any{
			"id":    "m-user",
			"parts": []map[string]any{{"type": "text", "text": "hi"}},
		},
		"model":                  "chat-model",
		"proposedNewAssistantId": "m-assistant",
	}
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.NotEmpty(t, body["error"])
	return body["code"]
}

func TestPostChatStreamsGeneration(t *testing.T) {
	ts := newTestServer(t, true, nil)

	resp, raw := ts.do(t, http.MethodPost, "/chat", "alice-token", hiRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "v1", resp.Header.Get("X-Data-Stream"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	threadID := resp.Header.Get("X-Thread-Id")
	require.NotEmpty(t, threadID)
	assert.NotEmpty(t, resp.Header.Get("X-Stream-Id"))

	chunks, err := datastream.DecodeAll(bytes.NewReader(raw))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 4)
	assert.Equal(t, datastream.TypeData, chunks[0].Type)
	assert.Equal(t, datastream.TypeData, chunks[1].Type)

	var text strings.Builder
	for _, c := range chunks {
		if c.Type == datastream.TypeText {
			var s string
			require.NoError(t, c.Decode(&s))
			text.WriteString(s)
		}
	}
	assert.Equal(t, "Hello there", text.String())
}

func TestPostChatErrors(t *testing.T) {
	ts := newTestServer(t, true, nil)

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{name: "missing token", body: hiRequest(), status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "bad token", token: "nope", body: hiRequest(), status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "bad json", token: "alice-token", body: "{", status: http.StatusBadRequest, code: "invalid_json"},
		{name: "missing model", token: "alice-token", body: map[string]any{
			"message": map[string]any{"parts": []map[string]any{{"type": "text", "text": "hi"}}},
		}, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown model", token: "alice-token", body: map[string]any{
			"message": map[string]any{"parts": []map[string]any{{"type": "text", "text": "hi"}}},
			"model":   "nope",
		}, status: http.StatusBadRequest, code: "unsupported_model"},
		{name: "unknown thread", token: "alice-token", body: map[string]any{
			"id":                  "missing-thread",
			"model":               "chat-model",
			"targetMode":          "retry",
			"targetFromMessageId": "m-user",
		}, status: http.StatusNotFound, code: "thread_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := ts.do(t, http.MethodPost, "/chat", tt.token, tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(raw))
			assert.Equal(t, tt.code, errorCode(t, raw))
		})
	}
}

func TestPostChatForeignThreadForbidden(t *testing.T) {
	ts := newTestServer(t, true, nil)
	resp, _ := ts.do(t, http.MethodPost, "/chat", "alice-token", hiRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := hiRequest()
	body["id"] = resp.Header.Get("X-Thread-Id")
	resp, raw := ts.do(t, http.MethodPost, "/chat", "bob-token", body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, raw))
}

func TestPostChatRateLimited(t *testing.T) {
	ts := newTestServer(t, true, denyLimiter{})
	resp, raw := ts.do(t, http.MethodPost, "/chat", "alice-token", hiRequest())
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", errorCode(t, raw))
}

func TestResumeReplaysRecentReply(t *testing.T) {
	ts := newTestServer(t, true, nil)
	resp, _ := ts.do(t, http.MethodPost, "/chat", "alice-token", hiRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threadID := resp.Header.Get("X-Thread-Id")

	resp, raw := ts.do(t, http.MethodGet, "/chat?chatId="+threadID, "alice-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, app.ResumeReplay, resp.Header.Get("X-Resume-Mode"))
	chunks, err := datastream.DecodeAll(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	var items []datastream.DataItem
	require.NoError(t, chunks[0].Decode(&items))
	require.Len(t, items, 1)
	assert.Equal(t, datastream.DataAppendMessage, items[0].Type)
}

func TestResumeErrors(t *testing.T) {
	ts := newTestServer(t, true, nil)
	resp, _ := ts.do(t, http.MethodPost, "/chat", "alice-token", hiRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threadID := resp.Header.Get("X-Thread-Id")

	tests := []struct {
		name   string
		token  string
		path   string
		status int
		code   string
	}{
		{name: "unauthorized", path: "/chat?chatId=" + threadID, status: http.StatusUnauthorized, code: "unauthorized"},
		{name: "missing chat id", token: "alice-token", path: "/chat", status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown thread", token: "alice-token", path: "/chat?chatId=nope", status: http.StatusNotFound, code: "thread_not_found"},
		{name: "not the author", token: "bob-token", path: "/chat?chatId=" + threadID, status: http.StatusForbidden, code: "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := ts.do(t, http.MethodGet, tt.path, tt.token, nil)
			require.Equal(t, tt.status, resp.StatusCode, string(raw))
			assert.Equal(t, tt.code, errorCode(t, raw))
		})
	}
}

func TestResumeDisabledReturnsNoContent(t *testing.T) {
	ts := newTestServer(t, false, nil)
	resp, raw := ts.do(t, http.MethodGet, "/chat?chatId=anything", "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, raw)
}

func TestChatMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, false, nil)
	resp, raw := ts.do(t, http.MethodDelete, "/chat", "alice-token", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "method_not_allowed", errorCode(t, raw))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, false, nil)
	resp, raw := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	resp, raw = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}
