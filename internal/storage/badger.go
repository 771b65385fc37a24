package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chronos/ebreplay/internal/models"
)

// Compile-time check that BadgerStore implements ExecutionStore.
var _ ExecutionStore = (*BadgerStore)(nil)

// BadgerStore provides persistent storage using BadgerDB.
// Terminal executions are written with a TTL equal to the retention period.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
	stopCh    chan struct{}
}

// Prefix keys for different data types.
const (
	prefixExecutions = "executions/"
	prefixReplays    = "replays/"
	prefixActive     = "active/"
)

// NewBadgerStore opens a BadgerDB store under dataDir.
// A zero retention keeps terminal executions until they are pruned explicitly.
func NewBadgerStore(dataDir string, retention time.Duration) (*BadgerStore, error) {
	dbPath := filepath.Join(dataDir, "ebreplay.db")

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	opts.SyncWrites = true
	opts.ValueLogFileSize = 64 << 20 // 64MB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BadgerStore{
		db:        db,
		retention: retention,
		stopCh:    make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Close closes the database and stops background goroutines.
func (s *BadgerStore) Close() error {
	close(s.stopCh)
	return s.db.Close()
}

// runGC runs periodic value log garbage collection.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// SaveExecution creates or replaces an execution and maintains its indexes.
func (s *BadgerStore) SaveExecution(exec *models.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.set(txn, executionKey(exec.ID), data, exec.State); err != nil {
			return err
		}
		if exec.ReplayName != "" {
			if err := s.set(txn, replayKey(exec.ReplayName, exec.ID), nil, exec.State); err != nil {
				return err
			}
		}
		if exec.State.IsTerminal() {
			return txn.Delete(activeKey(exec.ID))
		}
		return txn.Set(activeKey(exec.ID), nil)
	})
}

func (s *BadgerStore) set(txn *badger.Txn, key, value []byte, state models.State) error {
	entry := badger.NewEntry(key, value)
	if state.IsTerminal() && s.retention > 0 {
		entry = entry.WithTTL(s.retention)
	}
	return txn.SetEntry(entry)
}

// GetExecution retrieves an execution by ID.
func (s *BadgerStore) GetExecution(id string) (*models.Execution, error) {
	var exec *models.Execution

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exec, err = getExecution(txn, id)
		return err
	})

	return exec, err
}

func getExecution(txn *badger.Txn, id string) (*models.Execution, error) {
	item, err := txn.Get(executionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}

	var exec models.Execution
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &exec)
	}); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions returns executions newest first. Execution IDs are
// time-ordered, so a reverse key scan yields creation order.
func (s *BadgerStore) ListExecutions(opts ListOptions) ([]*models.Execution, error) {
	var executions []*models.Execution
	limit := opts.limit()

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixExecutions)
		if opts.ReplayName != "" {
			prefix = []byte(prefixReplays + opts.ReplayName + "/")
		}

		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true // Newest first
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = opts.ReplayName == ""

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix) && len(executions) < limit; it.Next() {
			item := it.Item()

			var exec *models.Execution
			if opts.ReplayName != "" {
				id := string(item.Key()[len(prefix):])
				var err error
				exec, err = getExecution(txn, id)
				if errors.Is(err, models.ErrExecutionNotFound) {
					continue
				}
				if err != nil {
					return err
				}
			} else {
				exec = &models.Execution{}
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, exec)
				}); err != nil {
					return err
				}
			}

			if opts.matches(exec) {
				executions = append(executions, exec)
			}
		}

		return nil
	})

	return executions, err
}

// ListActive returns every non-terminal execution, oldest first.
func (s *BadgerStore) ListActive() ([]*models.Execution, error) {
	var executions []*models.Execution

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixActive)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			exec, err := getExecution(txn, id)
			if errors.Is(err, models.ErrExecutionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			executions = append(executions, exec)
		}
		return nil
	})

	return executions, err
}

// DeleteExecution deletes an execution and its index entries.
func (s *BadgerStore) DeleteExecution(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		exec, err := getExecution(txn, id)
		if err != nil {
			return err
		}
		return deleteExecution(txn, exec)
	})
}

func deleteExecution(txn *badger.Txn, exec *models.Execution) error {
	if err := txn.Delete(executionKey(exec.ID)); err != nil {
		return err
	}
	if exec.ReplayName != "" {
		if err := txn.Delete(replayKey(exec.ReplayName, exec.ID)); err != nil {
			return err
		}
	}
	return txn.Delete(activeKey(exec.ID))
}

// Prune deletes terminal executions completed before the given time.
func (s *BadgerStore) Prune(before time.Time) (int, error) {
	var stale []*models.Execution

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixExecutions)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix

		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var exec models.Execution
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &exec)
			}); err != nil {
				return err
			}
			if prunable(&exec, before) {
				stale = append(stale, &exec)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, exec := range stale {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return deleteExecution(txn, exec)
		}); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func executionKey(id string) []byte {
	return []byte(prefixExecutions + id)
}

func replayKey(replay, id string) []byte {
	return []byte(prefixReplays + replay + "/" + id)
}

func activeKey(id string) []byte {
	return []byte(prefixActive + id)
}
