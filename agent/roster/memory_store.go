package roster

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	agents map[string]*Agent
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Agent),
		now:    time.Now,
	}
}

// Save creates or replaces an agent record.
func (s *MemoryStore) Save(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := agent.Clone()
	c.Normalize(s.now())
	s.agents[c.ID] = c
	return nil
}

// Get retrieves an agent by ID.
func (s *MemoryStore) Get(ctx context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// List returns all agents ordered by ID.
func (s *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStatus writes the availability status.
func (s *MemoryStore) SetStatus(ctx context.Context, agentID string, status Status) error {
	return s.mutate(agentID, func(a *Agent) { a.Status = status })
}

// SetSleep writes the sleep fields.
func (s *MemoryStore) SetSleep(ctx context.Context, agentID string, until time.Time, reason string) error {
	return s.mutate(agentID, func(a *Agent) {
		a.SleepingUntil = &until
		a.SleepingReason = reason
	})
}

// ClearSleep clears the sleep fields and marks the agent idle.
func (s *MemoryStore) ClearSleep(ctx context.Context, agentID string) error {
	return s.mutate(agentID, (*Agent).Wake)
}

// ClearSleepIfDue clears the sleep fields when the wake time has passed.
func (s *MemoryStore) ClearSleepIfDue(ctx context.Context, agentID string, now time.Time) (bool, error) {
	var cleared bool
	err := s.mutate(agentID, func(a *Agent) { cleared = a.WakeIfDue(now) })
	return cleared, err
}

// SetAwaitingApproval writes the pending approval id.
func (s *MemoryStore) SetAwaitingApproval(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(agentID, func(a *Agent) { a.AwaitingApprovalID = approvalID })
}

// ClearAwaitingApprovalIf clears the pending approval id if it matches.
func (s *MemoryStore) ClearAwaitingApprovalIf(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(agentID, func(a *Agent) {
		if a.AwaitingApprovalID == approvalID {
			a.AwaitingApprovalID = ""
		}
	})
}

// AddAwaitingDelegation adds taskID to the outstanding delegations.
func (s *MemoryStore) AddAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(agentID, func(a *Agent) { a.AddAwaiting(taskID) })
}

// RemoveAwaitingDelegation removes taskID from the outstanding delegations.
func (s *MemoryStore) RemoveAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(agentID, func(a *Agent) { a.RemoveAwaiting(taskID) })
}

func (s *MemoryStore) mutate(agentID string, fn func(*Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	fn(a)
	a.UpdatedAt = s.now()
	return nil
}
