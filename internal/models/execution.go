package models

import (
	"errors"
	"fmt"
	"time"
)

// State is the position of a replay execution in its workflow.
type State string

const (
	StateStarted     State = "started"
	StateCalculating State = "calculating"
	StateWaiting     State = "waiting"
	StatePublishing  State = "publishing"
	StateClassifying State = "classifying"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

var transitions = map[State][]State{
	StateStarted:     {StateCalculating, StateCancelled},
	StateCalculating: {StateWaiting, StateFailed, StateCancelled},
	StateWaiting:     {StatePublishing, StateCancelled},
	StatePublishing:  {StateClassifying, StateFailed},
	StateClassifying: {StateSucceeded, StateFailed},
}

// CanTransition reports whether the workflow allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the execution is in a terminal state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Cancellable returns true while the execution has not started publishing.
func (s State) Cancellable() bool {
	return s == StateStarted || s == StateCalculating || s == StateWaiting
}

// Valid returns true for known states.
func (s State) Valid() bool {
	switch s {
	case StateStarted, StateCalculating, StateWaiting, StatePublishing,
		StateClassifying, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Outcome is the classified result of a publish.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Transition records a single state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Execution is one instance of the replay workflow for a single archived event.
type Execution struct {
	ID            string         `json:"id"`
	ReplayName    string         `json:"replay_name"`
	Context       ReplayContext  `json:"context"`
	State         State          `json:"state"`
	Outcome       Outcome        `json:"outcome,omitempty"`
	Decision      *WaitDecision  `json:"decision,omitempty"`
	WakeAt        *time.Time     `json:"wake_at,omitempty"`
	Result        *PublishResult `json:"result,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	FailedEntries []EntryResult  `json:"failed_entries,omitempty"`
	History       []Transition   `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	NodeID        string         `json:"node_id,omitempty"`
}

// NewExecution returns an execution in the started state.
func NewExecution(id string, rc ReplayContext, now time.Time) *Execution {
	return &Execution{
		ID:         id,
		ReplayName: rc.ReplayName,
		Context:    rc,
		State:      StateStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
		History:    []Transition{{To: StateStarted, At: now}},
	}
}

// Advance moves the execution to next, recording the transition.
func (e *Execution) Advance(next State, at time.Time, reason string) error {
	if !e.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, next)
	}
	e.History = append(e.History, Transition{From: e.State, To: next, At: at, Reason: reason})
	e.State = next
	e.UpdatedAt = at
	if next.IsTerminal() {
		completed := at
		e.CompletedAt = &completed
	}
	return nil
}

// RecordFailure sets the failed outcome and error fields without changing state.
func (e *Execution) RecordFailure(err error) {
	e.Outcome = OutcomeFailed
	e.ErrorKind = KindOf(err)
	e.Error = err.Error()
	var partial *PartialPublishFailure
	if errors.As(err, &partial) {
		e.FailedEntries = append([]EntryResult(nil), partial.Entries...)
	}
}

// Fail records err and moves the execution to the failed state.
func (e *Execution) Fail(err error, at time.Time) error {
	e.RecordFailure(err)
	return e.Advance(StateFailed, at, string(e.ErrorKind))
}

// Abort moves a non-terminal execution straight to failed, outside the
// workflow graph. It is used when the workflow itself broke down, so the
// execution does not look alive after its goroutine is gone.
func (e *Execution) Abort(cause error, at time.Time) error {
	if e.State.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.State)
	}
	if !errors.Is(cause, ErrInternal) {
		cause = fmt.Errorf("%w: %v", ErrInternal, cause)
	}
	e.RecordFailure(cause)
	e.History = append(e.History, Transition{From: e.State, To: StateFailed, At: at, Reason: string(ErrorKindInternal)})
	e.State = StateFailed
	e.UpdatedAt = at
	completed := at
	e.CompletedAt = &completed
	return nil
}

// Duration returns how long the execution has run, or ran if it is terminal.
func (e *Execution) Duration(now time.Time) time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.CreatedAt)
	}
	return now.Sub(e.CreatedAt)
}

// Clone returns a deep copy safe to hand out to other goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Context.Event.Detail = append([]byte(nil), e.Context.Event.Detail...)
	c.Context.Event.Resources = append([]string(nil), e.Context.Event.Resources...)
	if e.Decision != nil {
		d := *e.Decision
		c.Decision = &d
	}
	if e.WakeAt != nil {
		w := *e.WakeAt
		c.WakeAt = &w
	}
	if e.Result != nil {
		r := *e.Result
		r.Entries = append([]EntryResult(nil), e.Result.Entries...)
		c.Result = &r
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.FailedEntries = append([]EntryResult(nil), e.FailedEntries...)
	c.History = append([]Transition(nil), e.History...)
	return &c
}
