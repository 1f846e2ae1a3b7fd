package resultstore

import (
	"context"
	"sync"

	"github.com/tributary-io/tributary/model"
	derror "github.com/tributary-io/tributary/pkg/errors"
)

// memoryStore keeps results in process memory. It backs tests and the
// standalone deployment; nothing survives a restart.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[model.JobID]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[model.JobID]*Entry)}
}

func (s *memoryStore) Put(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Result.JobID]; ok {
		return nil
	}
	clone := *entry
	s.entries[entry.Result.JobID] = &clone
	return nil
}

func (s *memoryStore) HasResult(ctx context.Context, jobID model.JobID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[jobID]
	return ok, nil
}

func (s *memoryStore) GetResult(ctx context.Context, jobID model.JobID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[jobID]
	if !ok {
		return nil, derror.ErrResultNotFound.GenWithStackByArgs(jobID)
	}
	clone := *entry
	return &clone, nil
}

func (s *memoryStore) MarkClean(ctx context.Context, jobID model.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[jobID]
	if !ok {
		return derror.ErrResultNotFound.GenWithStackByArgs(jobID)
	}
	entry.CleanupRequired = false
	return nil
}

func (s *memoryStore) DirtyResults(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dirty []*Entry
	for _, entry := range s.entries {
		if entry.CleanupRequired {
			clone := *entry
			dirty = append(dirty, &clone)
		}
	}
	return dirty, nil
}
