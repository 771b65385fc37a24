// Package models defines the core data structures for ebreplay.
package models

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution already exists")
	ErrNotCancellable    = errors.New("execution can no longer be cancelled")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotReplayed       = errors.New("event is not part of a replay")
	ErrSourceNotAllowed  = errors.New("event source is not allowed")
	ErrInvalidEvent      = errors.New("invalid archived event")
	ErrCancelled         = errors.New("execution cancelled")
	ErrShuttingDown      = errors.New("orchestrator shutting down")

	// Failure kinds. Every domain error below unwraps to one of these.
	ErrCalculation    = errors.New("wait time calculation failed")
	ErrTransport      = errors.New("publish transport failed")
	ErrPartialPublish = errors.New("bus rejected one or more entries")
	ErrInternal       = errors.New("execution aborted on internal error")
)

// ErrorKind names the failure category recorded on a failed execution.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindCalculation    ErrorKind = "calculation"
	ErrorKindTransport      ErrorKind = "transport"
	ErrorKindPartialPublish ErrorKind = "partial_publish"
	ErrorKindInternal       ErrorKind = "internal"
)

// KindOf returns the ErrorKind for err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrCalculation):
		return ErrorKindCalculation
	case errors.Is(err, ErrPartialPublish):
		return ErrorKindPartialPublish
	case errors.Is(err, ErrInternal):
		return ErrorKindInternal
	default:
		return ErrorKindTransport
	}
}

// CalculationError reports that the wait time could not be derived from the replay context.
type CalculationError struct {
	Reason string
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculate wait time: %s", e.Reason)
}

func (e *CalculationError) Unwrap() error { return ErrCalculation }

// TransportError reports that the publish call itself did not complete.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("publish: %v", e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the transport sentinel and the underlying cause.
func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// PartialPublishFailure reports that the bus accepted the call but rejected entries.
type PartialPublishFailure struct {
	FailedEntryCount int
	Entries          []EntryResult
}

func (e *PartialPublishFailure) Error() string {
	if len(e.Entries) > 0 && e.Entries[0].ErrorCode != "" {
		return fmt.Sprintf("%d entries failed: %s: %s",
			e.FailedEntryCount, e.Entries[0].ErrorCode, e.Entries[0].ErrorMessage)
	}
	return fmt.Sprintf("%d entries failed", e.FailedEntryCount)
}

func (e *PartialPublishFailure) Unwrap() error { return ErrPartialPublish }
