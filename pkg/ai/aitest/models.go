// Package aitest provides scripted models for tests.
package aitest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"threadstream/pkg/ai"
)

// ScriptedModel replays one event script per Stream call. A step without a
// trailing StepFinish gets one appended with finish reason "stop".
type ScriptedModel struct {
	ID    string
	Steps [][]ai.Event
	// Err, when set, is returned by every Stream call.
	Err error
	// Block, when set, keeps each stream open until it is closed.
	Block chan struct{}
	// Gates holds call i open until Gates[i] is closed. Calls past its end
	// fall back to Block.
	Gates []chan struct{}

	mu       sync.Mutex
	calls    int
	requests []ai.Request
}

func (m *ScriptedModel) ModelID() string {
	if m.ID == "" {
		return "scripted"
	}
	return m.ID
}

func (m *ScriptedModel) Stream(ctx context.Context, req ai.Request) (<-chan ai.Event, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var script []ai.Event
	if idx < len(m.Steps) {
		script = m.Steps[idx]
	}
	gate := m.Block
	if idx < len(m.Gates) {
		gate = m.Gates[idx]
	}
	out := make(chan ai.Event)
	go func() {
		defer close(out)
		sawFinish := false
		for _, ev := range script {
			if _, ok := ev.(ai.StepFinish); ok {
				sawFinish = true
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		if !sawFinish {
			select {
			case out <- ai.StepFinish{FinishReason: ai.FinishStop}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Calls reports how many times Stream was invoked.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []ai.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ai.Request(nil), m.requests...)
}

// Text builds a single-step script streaming the given deltas.
func Text(deltas ...string) []ai.Event {
	events := make([]ai.Event, 0, len(deltas)+1)
	for _, d := range deltas {
		events = append(events, ai.TextDelta{Text: d})
	}
	return events
}

// ImageModel returns a fixed image or error.
type ImageModel struct {
	ID    string
	Image ai.Image
	Err   error
}

func (m *ImageModel) ModelID() string { return m.ID }

func (m *ImageModel) Generate(ctx context.Context, req ai.ImageRequest) (ai.Image, error) {
	if m.Err != nil {
		return ai.Image{}, m.Err
	}
	return m.Image, nil
}

// FuncTool adapts a function into an ai.Tool.
type FuncTool struct {
	Name string
	Fn   func(ctx context.Context, args json.RawMessage) (any, error)
}

func (t FuncTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{Name: t.Name, Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (t FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.Fn == nil {
		return nil, errors.New("not implemented")
	}
	return t.Fn(ctx, args)
}
