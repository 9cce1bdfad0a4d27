package ai_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadstream/pkg/ai"
	"threadstream/pkg/ai/aitest"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	set := ai.NewBreakerSet(ai.BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, nil)
	model := set.LanguageModel("openai", &aitest.ScriptedModel{Err: errors.New("unauthorized")})

	for i := 0; i < 2; i++ {
		_, err := model.Stream(context.Background(), ai.Request{})
		require.Error(t, err)
	}
	_, err := model.Stream(context.Background(), ai.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, gobreaker.StateOpen, set.State("openai"))
	assert.Equal(t, gobreaker.StateClosed, set.State("anthropic"))
}

func TestBreakerPassesStreamThrough(t *testing.T) {
	set := ai.NewBreakerSet(ai.BreakerConfig{}, nil)
	model := set.LanguageModel("openai", &aitest.ScriptedModel{Steps: [][]ai.Event{aitest.Text("hi")}})
	ch, err := model.Stream(context.Background(), ai.Request{})
	require.NoError(t, err)
	var got []ai.Event
	for ev := range ch {
		got = append(got, ev)
	}
	assert.Equal(t, ai.TextDelta{Text: "hi"}, got[0])
}

func TestBreakerImageModel(t *testing.T) {
	set := ai.NewBreakerSet(ai.BreakerConfig{}, nil)
	img := set.ImageModel("openai", &aitest.ImageModel{ID: "gpt-image-1", Image: ai.Image{Data: []byte{1}}})
	out, err := img.Generate(context.Background(), ai.ImageRequest{Prompt: "cat"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out.Data)
	assert.Equal(t, "gpt-image-1", img.ModelID())
}
