package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/chronos/ebreplay/internal/classify"
	"github.com/chronos/ebreplay/internal/models"
	"github.com/chronos/ebreplay/internal/publisher"
	"github.com/chronos/ebreplay/internal/sink"
	"github.com/chronos/ebreplay/internal/tracing"
)

// execute drives one execution from its current state to a terminal state.
// It is the only writer of r.exec apart from the cancel flag.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer o.release(r)
	defer r.cancel(nil)

	start := r.snapshot()
	logger := o.logger.With().
		Str("execution_id", start.ID).
		Str("replay_name", start.ReplayName).
		Logger()

	ctx, span := tracing.StartExecutionSpan(ctx, start.ID, start.ReplayName, start.Context.Event.ID)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Execution panicked")
			if err := o.abort(r, fmt.Errorf("panic: %v", rec)); err != nil {
				o.metrics.ExecutionParked()
				return
			}
			o.finish(ctx, r.snapshot())
		}
	}()

	for {
		state := r.state()
		if state.IsTerminal() {
			break
		}

		var err error
		switch state {
		case models.StateStarted:
			err = o.advance(r, models.StateCalculating, "", nil)
		case models.StateCalculating:
			err = o.calculate(ctx, r)
		case models.StateWaiting:
			err = o.wait(ctx, r)
		case models.StatePublishing:
			err = o.publish(ctx, r)
		case models.StateClassifying:
			err = o.classify(ctx, r)
		default:
			err = fmt.Errorf("unknown state %q", state)
		}

		if errors.Is(err, models.ErrShuttingDown) {
			logger.Info().Str("state", string(state)).Msg("Execution parked for shutdown")
			o.metrics.ExecutionParked()
			return
		}
		if err != nil {
			tracing.RecordError(span, err)
			logger.Error().Err(err).Str("state", string(state)).Msg("Execution aborted on internal error")
			if aerr := o.abort(r, err); aerr != nil {
				o.metrics.ExecutionParked()
				return
			}
			break
		}
	}

	final := r.snapshot()
	o.finish(ctx, final)

	tracing.AddExecutionAttributes(span, string(final.State), final.Duration(o.clock.Now()))
	if final.State == models.StateSucceeded {
		tracing.SetSpanOK(span)
	} else if final.Error != "" {
		tracing.RecordError(span, errors.New(final.Error))
	}

	logger.Info().
		Str("state", string(final.State)).
		Str("error_kind", string(final.ErrorKind)).
		Dur("duration", final.Duration(o.clock.Now())).
		Msg("Execution finished")
}

// release drops the run from the in-memory registry.
func (o *Orchestrator) release(r *run) {
	snap := r.snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, snap.ID)
	if key := dedupeKey(snap.Context); key != "" && o.keys[key] == snap.ID {
		delete(o.keys, key)
	}
}

// advance moves r to next and persists the new state. If a cancel has been
// requested and the execution is still cancellable, it moves to cancelled
// instead. The check and the transition happen under the same lock as Cancel,
// so an accepted cancel can never be followed by a publish.
func (o *Orchestrator) advance(r *run, next models.State, reason string, mutate func(*models.Execution)) error {
	now := o.clock.Now()

	r.mu.Lock()
	if r.cancelRequested && r.exec.State.Cancellable() {
		next, reason = models.StateCancelled, "cancel requested"
	} else if mutate != nil {
		mutate(r.exec)
	}
	err := r.exec.Advance(next, now, reason)
	snap := r.exec.Clone()
	r.mu.Unlock()

	if err != nil {
		return err
	}

	if err := o.store.SaveExecution(snap); err != nil {
		o.logger.Error().
			Err(err).
			Str("execution_id", snap.ID).
			Str("state", string(snap.State)).
			Msg("Failed to persist execution state")
	}
	o.metrics.RecordTransition(string(snap.State))
	o.notify(snap)
	return nil
}

// abort fails r outside the workflow graph after an internal error.
func (o *Orchestrator) abort(r *run, cause error) error {
	now := o.clock.Now()

	r.mu.Lock()
	err := r.exec.Abort(cause, now)
	snap := r.exec.Clone()
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if err := o.store.SaveExecution(snap); err != nil {
		o.logger.Error().
			Err(err).
			Str("execution_id", snap.ID).
			Msg("Failed to persist aborted execution")
	}
	o.metrics.RecordTransition(string(snap.State))
	o.notify(snap)
	return nil
}

func (o *Orchestrator) fail(r *run, cause error) error {
	return o.advance(r, models.StateFailed, string(models.KindOf(cause)), func(e *models.Execution) {
		e.RecordFailure(cause)
	})
}

func (o *Orchestrator) calculate(ctx context.Context, r *run) error {
	_, span := tracing.StartStepSpan(ctx, "calculate")
	defer span.End()

	r.mu.Lock()
	rc := r.exec.Context
	r.mu.Unlock()

	decision, err := o.calc.Compute(rc)
	if err != nil {
		tracing.RecordError(span, err)
		var calcErr *models.CalculationError
		if !errors.As(err, &calcErr) {
			err = &models.CalculationError{Reason: err.Error()}
		}
		return o.fail(r, err)
	}
	if decision.DelaySeconds < 0 {
		return o.fail(r, &models.CalculationError{Reason: fmt.Sprintf("negative delay %d", decision.DelaySeconds)})
	}

	span.SetAttributes(tracing.AttrDelay.Int(decision.DelaySeconds))
	o.metrics.RecordWait(decision.DelaySeconds)

	wake := o.clock.Now().Add(decision.Delay())
	return o.advance(r, models.StateWaiting, "", func(e *models.Execution) {
		e.Decision = &decision
		e.WakeAt = &wake
	})
}

func (o *Orchestrator) wait(ctx context.Context, r *run) error {
	_, span := tracing.StartStepSpan(ctx, "wait")
	defer span.End()

	r.mu.Lock()
	wake := o.clock.Now()
	if r.exec.WakeAt != nil {
		wake = *r.exec.WakeAt
	}
	r.mu.Unlock()

	if err := o.suspender.Until(ctx, wake); err != nil {
		// A cancel accepted just before shutdown still wins over parking.
		if errors.Is(err, models.ErrCancelled) || r.cancelPending() {
			return o.advance(r, models.StateCancelled, "cancel requested", nil)
		}
		if errors.Is(err, models.ErrShuttingDown) {
			return err
		}
		return fmt.Errorf("wait: %w", err)
	}
	return o.advance(r, models.StatePublishing, "", nil)
}

func (o *Orchestrator) publish(ctx context.Context, r *run) error {
	r.mu.Lock()
	event := r.exec.Context.Event
	r.mu.Unlock()

	// An in-flight publish is not interrupted by shutdown.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()
	pubCtx, span := tracing.StartPublishSpan(pubCtx, o.cfg.Bus, event.Source)
	defer span.End()

	started := o.clock.Now()
	result, err := o.publisher.Publish(pubCtx, event, o.cfg.Bus)
	elapsed := o.clock.Since(started).Seconds()

	if err == nil {
		if verr := result.Validate(); verr != nil {
			err = &models.TransportError{Op: "publish", Err: verr}
		}
	}
	if err != nil {
		if !errors.Is(err, models.ErrTransport) {
			err = &models.TransportError{Op: "publish", Err: err}
		}
		label := "transport_error"
		if errors.Is(err, publisher.ErrCircuitOpen) {
			label = "circuit_open"
		}
		o.metrics.RecordPublish(o.cfg.Bus, label, elapsed)
		tracing.RecordError(span, err)
		return o.fail(r, err)
	}

	label := "accepted"
	if result.FailedEntryCount > 0 {
		label = "rejected"
	}
	o.metrics.RecordPublish(o.cfg.Bus, label, elapsed)
	span.SetAttributes(tracing.AttrFailed.Int(result.FailedEntryCount))

	return o.advance(r, models.StateClassifying, "", func(e *models.Execution) {
		e.Result = &result
	})
}

func (o *Orchestrator) classify(ctx context.Context, r *run) error {
	_, span := tracing.StartStepSpan(ctx, "classify")
	defer span.End()

	r.mu.Lock()
	var result *models.PublishResult
	if r.exec.Result != nil {
		res := *r.exec.Result
		result = &res
	}
	r.mu.Unlock()

	if result == nil {
		return o.fail(r, &models.TransportError{Op: "classify", Err: errors.New("publish result missing")})
	}

	if err := classify.Error(*result); err != nil {
		return o.fail(r, err)
	}
	return o.advance(r, models.StateSucceeded, "", func(e *models.Execution) {
		e.Outcome = classify.Classify(*result)
	})
}

// finish records a terminal execution in counters, metrics and the sink.
func (o *Orchestrator) finish(ctx context.Context, exec *models.Execution) {
	switch exec.State {
	case models.StateSucceeded:
		o.counters.succeeded.Add(1)
	case models.StateFailed:
		o.counters.failed.Add(1)
	case models.StateCancelled:
		o.counters.cancelled.Add(1)
	}
	o.metrics.RecordExecution(string(exec.State), string(exec.ErrorKind), exec.Duration(o.clock.Now()).Seconds())

	// Only classified publishes produce an outcome record.
	if exec.Result == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SinkTimeout)
	defer cancel()
	if err := o.sink.Emit(sinkCtx, sink.NewRecord(exec)); err != nil {
		o.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("Failed to emit outcome record")
	}
}
