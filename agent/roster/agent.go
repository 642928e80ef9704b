// Package roster holds the agent records the relay reads and mutates:
// availability, sleep state, approval pauses and outstanding delegations.
//
// Field updates are written unconditionally (or with a single predicated
// write) rather than read-modify-write, so an immediate wake and a deferred
// resume racing on the same agent both leave a consistent record.
package roster

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an agent does not exist.
var ErrNotFound = errors.New("agent not found")

// Status is the availability of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusOffline Status = "offline"
)

// Kind distinguishes autonomous agents from human members.
type Kind string

const (
	KindAgent Kind = "agent"
	KindHuman Kind = "human"
)

// Agent is an actor that can be contacted by other agents.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	Status Status `json:"status"`

	SleepingUntil  *time.Time `json:"sleeping_until,omitempty"`
	SleepingReason string     `json:"sleeping_reason,omitempty"`

	AwaitingApprovalID  string `json:"awaiting_approval_id,omitempty"`
	MustWaitForApproval bool   `json:"must_wait_for_approval"`

	// AwaitingDelegations holds ids of delegated tasks whose results this
	// agent has not received yet.
	AwaitingDelegations []string `json:"awaiting_delegations,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the name, falling back to the id.
func (a *Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// IsAgent reports whether the record is an autonomous agent.
func (a *Agent) IsAgent() bool {
	return a.Kind == "" || a.Kind == KindAgent
}

// IsSleeping reports whether the agent is dormant at now.
func (a *Agent) IsSleeping(now time.Time) bool {
	return a.SleepingUntil != nil && a.SleepingUntil.After(now)
}

// IsAwaiting reports whether taskID is an outstanding delegation.
func (a *Agent) IsAwaiting(taskID string) bool {
	for _, id := range a.AwaitingDelegations {
		if id == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.SleepingUntil != nil {
		v := *a.SleepingUntil
		c.SleepingUntil = &v
	}
	if a.AwaitingDelegations != nil {
		c.AwaitingDelegations = append([]string(nil), a.AwaitingDelegations...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Normalize fills the timestamps and the default status and kind of a record
// about to be saved.
func (a *Agent) Normalize(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if a.Kind == "" {
		a.Kind = KindAgent
	}
}

// Wake clears the sleep fields and marks the agent idle.
func (a *Agent) Wake() {
	a.SleepingUntil = nil
	a.SleepingReason = ""
	a.Status = StatusIdle
}

// WakeIfDue wakes the agent when its wake time is at or before now.
func (a *Agent) WakeIfDue(now time.Time) bool {
	if a.SleepingUntil == nil || a.SleepingUntil.After(now) {
		return false
	}
	a.Wake()
	return true
}

// AddAwaiting records taskID as an outstanding delegation. Adding twice is a
// no-op.
func (a *Agent) AddAwaiting(taskID string) {
	if !a.IsAwaiting(taskID) {
		a.AwaitingDelegations = append(a.AwaitingDelegations, taskID)
	}
}

// RemoveAwaiting drops taskID from the outstanding delegations.
func (a *Agent) RemoveAwaiting(taskID string) {
	kept := a.AwaitingDelegations[:0]
	for _, id := range a.AwaitingDelegations {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	a.AwaitingDelegations = kept
}
