package ledger

import (
	"context"
	"time"
)

// Store persists tasks. Implementations never delete tasks.
type Store interface {
	// Create persists a new task. The task ID must be set.
	Create(ctx context.Context, task *Task) error

	// Get retrieves a task by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, taskID string) (*Task, error)

	// Update replaces the stored task only if its stored version still
	// equals expectedVersion, and bumps task.Version on success. Returns
	// ErrConflict otherwise.
	Update(ctx context.Context, task *Task, expectedVersion int64) error

	// FindActive returns the most recently started active task assigned to
	// agentID. Returns ErrNotFound if the agent has no active task.
	FindActive(ctx context.Context, agentID string) (*Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Task, error)
}

// Filter defines criteria for listing tasks.
type Filter struct {
	AgentID      string   `json:"agent_id,omitempty"`
	RequesterID  string   `json:"requester_id,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	Source       Source   `json:"source,omitempty"`
	Status       []Status `json:"status,omitempty"`

	CreatedAfter *time.Time `json:"created_after,omitempty"`

	Limit int `json:"limit,omitempty"`
}

// Matches reports whether task satisfies the filter (Limit is ignored).
func (f Filter) Matches(task *Task) bool {
	if f.AgentID != "" && task.AgentID != f.AgentID {
		return false
	}
	if f.RequesterID != "" && task.RequesterID != f.RequesterID {
		return false
	}
	if f.ParentTaskID != "" && task.ParentTaskID != f.ParentTaskID {
		return false
	}
	if f.Source != "" && task.Source != f.Source {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if task.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && !task.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	return true
}
