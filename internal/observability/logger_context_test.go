package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerRoundTrip(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := ContextWithLogger(context.Background(), lg)
	assert.Same(t, lg, LoggerFromContext(ctx))
}

func TestLoggerFromContextDefaults(t *testing.T) {
	assert.NotNil(t, LoggerFromContext(context.Background()))
	assert.NotNil(t, LoggerFromContext(nil)) //nolint:staticcheck // nil context tolerated on purpose
	// nil logger leaves the context untouched
	ctx := ContextWithLogger(context.Background(), nil)
	assert.NotNil(t, LoggerFromContext(ctx))
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-123")
	assert.Equal(t, "trace-123", TraceIDFromContext(ctx))
	assert.Empty(t, TraceIDFromContext(context.Background()))
	// empty trace id leaves the context untouched
	ctx = ContextWithTraceID(context.Background(), "")
	assert.Empty(t, TraceIDFromContext(ctx))
}
