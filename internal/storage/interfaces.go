// Package storage provides storage interfaces and implementations for ebreplay.
package storage

import (
	"time"

	"github.com/chronos/ebreplay/internal/models"
)

// DefaultListLimit bounds ListExecutions when no limit is given.
const DefaultListLimit = 100

// ListOptions filters ListExecutions.
type ListOptions struct {
	// ReplayName restricts results to one replay.
	ReplayName string
	// State restricts results to one state.
	State models.State
	// Limit is the max number of executions to return.
	Limit int
}

// ExecutionStore persists replay executions at their state boundaries.
type ExecutionStore interface {
	// SaveExecution creates or replaces an execution.
	SaveExecution(exec *models.Execution) error
	// GetExecution retrieves an execution by ID. Returns ErrExecutionNotFound if not found.
	GetExecution(id string) (*models.Execution, error)
	// ListExecutions returns executions newest first.
	ListExecutions(opts ListOptions) ([]*models.Execution, error)
	// ListActive returns every execution that has not reached a terminal state.
	ListActive() ([]*models.Execution, error)
	// DeleteExecution deletes an execution. Returns ErrExecutionNotFound if not found.
	DeleteExecution(id string) error
	// Prune deletes terminal executions completed before the given time.
	Prune(before time.Time) (int, error)
	// Close closes the store and releases resources.
	Close() error
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

func (o ListOptions) matches(exec *models.Execution) bool {
	if o.ReplayName != "" && exec.ReplayName != o.ReplayName {
		return false
	}
	if o.State != "" && exec.State != o.State {
		return false
	}
	return true
}

func prunable(exec *models.Execution, before time.Time) bool {
	return exec.State.IsTerminal() && exec.CompletedAt != nil && exec.CompletedAt.Before(before)
}
