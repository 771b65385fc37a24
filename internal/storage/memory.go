package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/chronos/ebreplay/internal/models"
)

var _ ExecutionStore = (*MemoryStore)(nil)

// MemoryStore implements ExecutionStore using in-memory data structures.
// Useful for testing, development and single-shot runs.
type MemoryStore struct {
	executions map[string]*models.Execution
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*models.Execution),
	}
}

// SaveExecution creates or replaces an execution.
func (s *MemoryStore) SaveExecution(exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *MemoryStore) GetExecution(id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, models.ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions newest first.
func (s *MemoryStore) ListExecutions(opts ListOptions) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var executions []*models.Execution
	for _, exec := range s.executions {
		if opts.matches(exec) {
			executions = append(executions, exec.Clone())
		}
	}
	sortNewestFirst(executions)

	if limit := opts.limit(); len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

// ListActive returns every non-terminal execution, oldest first.
func (s *MemoryStore) ListActive() ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var executions []*models.Execution
	for _, exec := range s.executions {
		if !exec.State.IsTerminal() {
			executions = append(executions, exec.Clone())
		}
	}
	sortNewestFirst(executions)
	for i, j := 0, len(executions)-1; i < j; i, j = i+1, j-1 {
		executions[i], executions[j] = executions[j], executions[i]
	}
	return executions, nil
}

// DeleteExecution deletes an execution by ID.
func (s *MemoryStore) DeleteExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return models.ErrExecutionNotFound
	}
	delete(s.executions, id)
	return nil
}

// Prune deletes terminal executions completed before the given time.
func (s *MemoryStore) Prune(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, exec := range s.executions {
		if prunable(exec, before) {
			delete(s.executions, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(executions []*models.Execution) {
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID > executions[j].ID
		}
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})
}
