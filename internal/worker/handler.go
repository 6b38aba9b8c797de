package worker

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fairyhunter13/tenant-jobqueue/internal/domain"
)

// SimulatedHandler is the reference handler: it sleeps for WorkDuration to
// simulate work and fails when the payload asks it to. Real deployments
// replace it with a handler pinned to their payload shape.
type SimulatedHandler struct {
	WorkDuration time.Duration
}

// Handle simulates one attempt over an opaque payload.
func (h SimulatedHandler) Handle(ctx domain.Context, job domain.Job) error {
	d := h.WorkDuration
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}

	var directive struct {
		SimulateFailure bool `json:"simulate_failure"`
	}
	// Payload is opaque; a non-object payload simply never fails.
	_ = json.Unmarshal(job.Payload, &directive)
	if directive.SimulateFailure {
		return errors.New("simulated processing failure")
	}
	return nil
}
