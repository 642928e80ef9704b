package roster

import (
	"context"
	"time"
)

// Store persists agents. Implementations never delete agents.
type Store interface {
	// Save creates or replaces an agent record.
	Save(ctx context.Context, agent *Agent) error

	// Get retrieves an agent by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, agentID string) (*Agent, error)

	// List returns all agents.
	List(ctx context.Context) ([]*Agent, error)

	// SetStatus writes the availability status.
	SetStatus(ctx context.Context, agentID string, status Status) error

	// SetSleep writes the sleep fields.
	SetSleep(ctx context.Context, agentID string, until time.Time, reason string) error

	// ClearSleep clears the sleep fields and marks the agent idle.
	ClearSleep(ctx context.Context, agentID string) error

	// ClearSleepIfDue clears the sleep fields and marks the agent idle only
	// when its wake time is at or before now. Reports whether it did.
	ClearSleepIfDue(ctx context.Context, agentID string, now time.Time) (bool, error)

	// SetAwaitingApproval writes the pending approval id; "" clears it.
	SetAwaitingApproval(ctx context.Context, agentID, approvalID string) error

	// ClearAwaitingApprovalIf clears the pending approval id only when it
	// still equals approvalID.
	ClearAwaitingApprovalIf(ctx context.Context, agentID, approvalID string) error

	// AddAwaitingDelegation adds taskID to the outstanding delegations.
	AddAwaitingDelegation(ctx context.Context, agentID, taskID string) error

	// RemoveAwaitingDelegation removes taskID from the outstanding delegations.
	RemoveAwaitingDelegation(ctx context.Context, agentID, taskID string) error
}
