package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	tasks map[string]*Task
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create persists a new task.
func (s *MemoryStore) Create(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return ErrConflict
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get retrieves a task by ID.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// Update replaces the stored task if its version still equals expectedVersion.
func (s *MemoryStore) Update(ctx context.Context, task *Task, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrConflict
	}
	task.Version = expectedVersion + 1
	s.tasks[task.ID] = task.Clone()
	return nil
}

// FindActive returns the most recently started active task of agentID.
func (s *MemoryStore) FindActive(ctx context.Context, agentID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Task
	for _, task := range s.tasks {
		if task.AgentID != agentID || task.Status != StatusActive {
			continue
		}
		if best == nil || startedAfter(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

// List returns tasks matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Task, 0)
	for _, task := range s.tasks {
		if filter.Matches(task) {
			result = append(result, task.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func startedAfter(a, b *Task) bool {
	if a.StartedAt == nil {
		return false
	}
	if b.StartedAt == nil {
		return true
	}
	return a.StartedAt.After(*b.StartedAt)
}
