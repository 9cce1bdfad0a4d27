package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "x")
	RecordError(span, errors.New("boom"))
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "chat.generate")
	span.SetAttributes(StringAttr("thread_id", "t1"), IntAttr("steps", 2))
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
	_, _ = Setup(context.Background(), Config{})
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}
