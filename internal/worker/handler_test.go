package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

func TestSimulatedHandlerSuccess(t *testing.T) {
	h := SimulatedHandler{WorkDuration: time.Millisecond}
	err := h.Handle(context.Background(), domain.Job{Payload: json.RawMessage(`{"task":"x"}`)})
	require.NoError(t, err)
}

func TestSimulatedHandlerFailureDirective(t *testing.T) {
	h := SimulatedHandler{WorkDuration: time.Millisecond}
	err := h.Handle(context.Background(), domain.Job{Payload: json.RawMessage(`{"simulate_failure":true}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated processing failure")
}

func TestSimulatedHandlerOpaquePayload(t *testing.T) {
	h := SimulatedHandler{WorkDuration: time.Millisecond}
	// Non-object payloads are valid; the handler never fails on them.
	require.NoError(t, h.Handle(context.Background(), domain.Job{Payload: json.RawMessage(`[1,2,3]`)}))
	require.NoError(t, h.Handle(context.Background(), domain.Job{Payload: json.RawMessage(`"text"`)}))
}

func TestSimulatedHandlerHonorsCancellation(t *testing.T) {
	h := SimulatedHandler{WorkDuration: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Handle(ctx, domain.Job{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, context.Canceled)
}
