package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/orchestrator"
	"github.com/chronos/ebreplay/internal/storage"
	"github.com/chronos/ebreplay/internal/trigger"
)

// Result is returned to the invoker once the execution settles.
type Result struct {
	ExecutionID      string           `json:"execution_id,omitempty"`
	ReplayName       string           `json:"replay_name,omitempty"`
	EventID          string           `json:"event_id,omitempty"`
	State            models.State     `json:"state"`
	Outcome          models.Outcome   `json:"outcome,omitempty"`
	DelaySeconds     int              `json:"delay_seconds"`
	FailedEntryCount int              `json:"failed_entry_count"`
	ErrorKind        models.ErrorKind `json:"error_kind,omitempty"`
	Error            string           `json:"error,omitempty"`
	Skipped          string           `json:"skipped,omitempty"`
}

// handler runs one replay execution per invocation, in-process, to completion.
// The store lives as long as the container, so finished executions are
// dropped once their result has been returned.
type handler struct {
	orch   *orchestrator.Orchestrator
	store  storage.ExecutionStore
	intake *trigger.Intake
	logger zerolog.Logger
}

// Handle parses the trigger, runs the execution and waits for it to settle.
// Triggers that can never be accepted are reported as skipped, not as errors,
// so the invoker does not retry them.
func (h *handler) Handle(ctx context.Context, payload json.RawMessage) (Result, error) {
	defer h.prune()

	exec, err := h.intake.Handle(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrExecutionExists) && exec != nil:
	case trigger.Settled(err):
		h.logger.Info().Err(err).Msg("Trigger skipped")
		return Result{Skipped: trigger.Classify(err), Error: err.Error()}, nil
	default:
		return Result{}, err
	}

	final, err := h.orch.Wait(ctx, exec.ID)
	if err != nil {
		// The invocation deadline passed while the execution was still waiting.
		return newResult(final), fmt.Errorf("execution %s did not finish: %w", exec.ID, err)
	}
	return newResult(final), nil
}

// prune drops every finished execution, including ones left running by an
// earlier invocation that hit its deadline.
func (h *handler) prune() {
	n, err := h.store.Prune(time.Now())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to prune finished executions")
		return
	}
	if n > 0 {
		h.logger.Debug().Int("count", n).Msg("Pruned finished executions")
	}
}

func newResult(exec *models.Execution) Result {
	if exec == nil {
		return Result{}
	}
	res := Result{
		ExecutionID: exec.ID,
		ReplayName:  exec.ReplayName,
		EventID:     exec.Context.Event.ID,
		State:       exec.State,
		Outcome:     exec.Outcome,
		ErrorKind:   exec.ErrorKind,
		Error:       exec.Error,
	}
	if exec.Decision != nil {
		res.DelaySeconds = exec.Decision.DelaySeconds
	}
	if exec.Result != nil {
		res.FailedEntryCount = exec.Result.FailedEntryCount
	}
	return res
}
